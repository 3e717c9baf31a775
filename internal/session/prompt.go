package session

import (
	"context"
	"time"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

const oneShotCloseTimeout = 10 * time.Second

// Prompt runs a single prompt on a fresh session. The session closes once
// the turn's consumer sees a terminal result from Next or calls Close.
//
// Exactly one of WithAutoApprove or WithApprovalResolver must be given: a
// one-shot run has nobody to ask otherwise.
func Prompt(ctx context.Context, content wire.Content, opts ...Option) (*Turn, error) {
	var o option
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case o.autoApprove && o.resolver != nil:
		return nil, &agenterr.PromptValidationError{Reason: "auto-approve and an approval resolver are mutually exclusive"}
	case !o.autoApprove && o.resolver == nil:
		return nil, &agenterr.PromptValidationError{Reason: "either auto-approve or an approval resolver is required"}
	}

	s, err := NewSession(ctx, opts...)
	if err != nil {
		return nil, err
	}

	t, err := s.Prompt(ctx, content)
	if err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	t.setOnFinish(func() {
		cctx, cancel := context.WithTimeout(context.Background(), oneShotCloseTimeout)
		defer cancel()
		if err := s.Close(cctx); err != nil {
			s.logger.Warn("failed to close one-shot session", "error", err)
		}
	})
	return t, nil
}
