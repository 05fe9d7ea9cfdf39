package routing

import (
	"unicode/utf16"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
)

// RetryState tracks the providers already tried for one inbound request.
type RetryState struct {
	Excluded   map[string]bool
	RetryCount int
}

// Next returns the state for the attempt after providerID failed.
func (s RetryState) Next(providerID string) RetryState {
	excluded := make(map[string]bool, len(s.Excluded)+1)
	for id := range s.Excluded {
		excluded[id] = true
	}
	excluded[providerID] = true
	return RetryState{Excluded: excluded, RetryCount: s.RetryCount + 1}
}

// Input is everything the selector looks at for one attempt.
type Input struct {
	Model     *catalog.Model
	SessionID string
	IsTrial   bool
	// BYOKKey is the caller's own credential for the model's BYOK provider.
	BYOKKey string
	// Sticky is the provider previously recorded for the session, if any.
	Sticky string
	Retry  RetryState
}

// Selection is the provider chosen for an attempt.
type Selection struct {
	Provider *catalog.Provider
	Ref      catalog.ProviderRef
	// APIKey is the credential to send upstream.
	APIKey string
	// UpstreamModel is the model name the provider expects.
	UpstreamModel string
	BYOK          bool
}

// Selector picks one upstream provider for a model.
type Selector struct {
	catalog    *catalog.Catalog
	maxRetries int
}

// NewSelector creates a selector. Once an attempt's retry count reaches
// maxRetries the model's fallback provider is forced.
func NewSelector(c *catalog.Catalog, maxRetries int) *Selector {
	return &Selector{catalog: c, maxRetries: maxRetries}
}

// Select picks a provider. First match wins: BYOK, trial, sticky, exhausted
// retries fallback, weighted session hash.
func (s *Selector) Select(in Input) (*Selection, error) {
	ref, ok := s.pick(in)
	if !ok {
		return nil, apierr.New(apierr.ModelError, "No provider available")
	}

	p, ok := s.catalog.Provider(ref.ID)
	if !ok {
		return nil, apierr.New(apierr.ModelError, "Provider %s not supported", ref.ID)
	}

	sel := &Selection{
		Provider:      p,
		Ref:           ref,
		APIKey:        p.APIKey,
		UpstreamModel: ref.Model,
	}
	if sel.UpstreamModel == "" {
		sel.UpstreamModel = in.Model.ID
	}
	if in.BYOKKey != "" && ref.ID == in.Model.BYOKProvider {
		sel.APIKey = in.BYOKKey
		sel.BYOK = true
	}
	return sel, nil
}

func (s *Selector) pick(in Input) (catalog.ProviderRef, bool) {
	m := in.Model

	if in.BYOKKey != "" {
		return m.Ref(m.BYOKProvider)
	}

	if in.IsTrial && m.Trial != nil {
		return m.Ref(m.Trial.Provider)
	}

	if in.Sticky != "" && !in.Retry.Excluded[in.Sticky] {
		if ref, ok := m.Ref(in.Sticky); ok {
			return ref, true
		}
	}

	if in.Retry.RetryCount >= s.maxRetries && m.FallbackProvider != "" {
		return m.Ref(m.FallbackProvider)
	}

	candidates := Candidates(m, in.Retry.Excluded)
	if len(candidates) == 0 {
		if m.FallbackProvider != "" {
			return m.Ref(m.FallbackProvider)
		}
		return catalog.ProviderRef{}, false
	}
	return candidates[SessionHash(in.SessionID)%uint32(len(candidates))], true
}

// Candidates expands the enabled, non-excluded providers of a model into a
// slot list where each provider appears weight times.
func Candidates(m *catalog.Model, excluded map[string]bool) []catalog.ProviderRef {
	var out []catalog.ProviderRef
	for _, ref := range m.Providers {
		if ref.Disabled || excluded[ref.ID] {
			continue
		}
		for i := 0; i < ref.EffectiveWeight(); i++ {
			out = append(out, ref)
		}
	}
	return out
}

// SessionHash is a 31-multiplier rolling hash over the last four UTF-16 code
// units of the session id, computed in wrapping 32-bit arithmetic. Positions
// before the start of a short id reset the hash to zero.
func SessionHash(sessionID string) uint32 {
	units := utf16.Encode([]rune(sessionID))
	var h int32
	for i := len(units) - 4; i < len(units); i++ {
		if i < 0 {
			h = 0
			continue
		}
		h = h*31 + int32(units[i])
	}
	return uint32(h)
}
