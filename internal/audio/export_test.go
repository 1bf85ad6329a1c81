package audio

// PlayersStarted reports how many player processes the sink has launched.
func (s *CommandSink) PlayersStarted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.started
}
