package syncengine

// Suppressor marks the next local-change notification as caused by a remote
// apply. It is a single slot: arming it twice still swallows one notification.
type Suppressor struct {
	armed bool
}

// Arm is called right before remote content is pushed to the view
func (s *Suppressor) Arm() {
	s.armed = true
}

// Consume clears the flag and reports whether it was set
func (s *Suppressor) Consume() bool {
	armed := s.armed
	s.armed = false
	return armed
}

// Armed reports whether the next notification will be swallowed
func (s *Suppressor) Armed() bool {
	return s.armed
}
