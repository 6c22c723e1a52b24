package neutrality

import (
	"context"
	"log"
)

// Service is the facade that tries the external classifier first and falls
// back to the lexicon scan. classifier may be nil if none is configured.
// Validate never returns an error: classifier unavailability is non-fatal by
// contract and the lexicon stage cannot fail.
type Service struct {
	classifier *Classifier
	lexicon    *Lexicon
}

func NewService(classifier *Classifier, lexicon *Lexicon) *Service {
	return &Service{classifier: classifier, lexicon: lexicon}
}

func (s *Service) Validate(ctx context.Context, text string) (Verdict, error) {
	if s.classifier != nil {
		verdict, err := s.classifier.Validate(ctx, text)
		if err == nil {
			return verdict, nil
		}
		log.Printf("neutrality: classifier unavailable, falling back to lexicon: %v", err)
	}
	return s.lexicon.Validate(ctx, text)
}
