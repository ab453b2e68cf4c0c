package lead

import (
	"errors"
	"log"
)

// Service runs detection on every inbound message and queues any lead it
// finds.
type Service struct {
	detector   *Detector
	dispatcher *Dispatcher
}

func NewService(detector *Detector, dispatcher *Dispatcher) *Service {
	return &Service{detector: detector, dispatcher: dispatcher}
}

// DetectAndNotify reports whether text carries a phone number. The
// notification is queued and never delays the caller.
func (s *Service) DetectAndNotify(key, text string) (Lead, bool) {
	l, ok := s.detector.Detect(key, text)
	if !ok {
		return Lead{}, false
	}
	log.Printf("[lead] detected %s in %s", l.Phone, key)
	if err := s.dispatcher.Dispatch(l); err != nil {
		if errors.Is(err, ErrQueueFull) {
			log.Printf("[lead] queue full, dropping %s from %s", l.ID, key)
		} else {
			log.Printf("[lead] dispatch %s: %v", l.ID, err)
		}
	}
	return l, true
}
