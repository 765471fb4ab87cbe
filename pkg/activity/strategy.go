package activity

import (
	"context"
	"encoding/json"
	"time"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// Requester issues correlated requests to an observer. transport.Bridge
// satisfies it.
type Requester interface {
	Request(ctx context.Context, action string, payload *string) (*string, error)
	RequestTimeout(ctx context.Context, action string, payload *string, timeout time.Duration) (*string, error)
}

// Metadata is the GET_METADATA response payload: what the observer knows
// about the focused page before any collection happens.
type Metadata struct {
	Name string      `json:"name"`
	Icon string      `json:"icon,omitempty"`
	URL  string      `json:"url,omitempty"`
	Kind ContentKind `json:"kind"`
}

// CollectResult is the COLLECT response payload. NoChange means the observer
// held the request for its full wait without the page changing.
type CollectResult struct {
	NoChange  bool       `json:"no_change"`
	Assets    []Asset    `json:"assets,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
}

// PlayRequest is the PLAY request payload: seek the focused video.
type PlayRequest struct {
	Seconds float64 `json:"seconds"`
}

// Strategy knows how to describe and collect content for one context. The
// set is closed: BridgeStrategy for contexts covered by an observer,
// DefaultStrategy for everything else.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Metadata describes the context for the activity header.
	Metadata(ctx context.Context) (Metadata, error)

	// RetrieveAssets performs the one-time capture for a fresh activity.
	RetrieveAssets(ctx context.Context) ([]Asset, error)

	// RetrieveSnapshots captures current engagement state.
	RetrieveSnapshots(ctx context.Context) ([]Snapshot, error)

	// Collect asks for whatever changed since the last collection,
	// batching assets and snapshots in one round trip. The call may be
	// held by the peer until something changes or its wait expires.
	Collect(ctx context.Context) (CollectResult, error)
}

// SelectStrategyKind decides which strategy serves an identity. It is a pure
// function of the identity: contexts claimed by an observer get the bridge
// strategy, everything else the default.
func SelectStrategyKind(identity ContextIdentity) string {
	if identity.ObserverID != "" {
		return StrategyBridge
	}
	return StrategyDefault
}

// Strategy names.
const (
	StrategyBridge  = "bridge"
	StrategyDefault = "default"
)

// SelectStrategy materializes the strategy for an identity. requester may be
// nil, in which case even observer-claimed contexts fall back to the
// default strategy.
func SelectStrategy(identity ContextIdentity, requester Requester, logger *logging.Logger) Strategy {
	if SelectStrategyKind(identity) == StrategyBridge && requester != nil {
		return NewBridgeStrategy(identity, requester, logger)
	}
	return NewDefaultStrategy(identity)
}

// BridgeStrategy collects content by delegating to the observer that claimed
// the context.
type BridgeStrategy struct {
	identity  ContextIdentity
	requester Requester
	logger    *logging.Logger

	// CollectTimeout bounds the held COLLECT round trip. It must exceed
	// the observer's own collect wait so NoChange arrives as a response,
	// not a timeout.
	CollectTimeout time.Duration
}

// NewBridgeStrategy creates a strategy delegating to requester.
func NewBridgeStrategy(identity ContextIdentity, requester Requester, logger *logging.Logger) *BridgeStrategy {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BridgeStrategy{
		identity:       identity,
		requester:      requester,
		logger:         logger,
		CollectTimeout: 30 * time.Second,
	}
}

func (s *BridgeStrategy) Name() string { return StrategyBridge }

func (s *BridgeStrategy) request(ctx context.Context, action string, req any, out any) error {
	var payload *string
	if req != nil {
		p, err := wire.JSONPayload(req)
		if err != nil {
			return vigilerrors.Wrap(err, vigilerrors.ErrCodeInternal, "encoding request payload")
		}
		payload = p
	}

	resp, err := s.requester.Request(ctx, action, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if resp == nil {
		return vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "observer returned empty payload").
			WithContext("action", action)
	}
	if err := json.Unmarshal([]byte(*resp), out); err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeStrategyExtraction, "decoding observer payload").
			WithContext("action", action)
	}
	return nil
}

func (s *BridgeStrategy) Metadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	if err := s.request(ctx, wire.ActionGetMetadata, s.identity, &md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (s *BridgeStrategy) RetrieveAssets(ctx context.Context) ([]Asset, error) {
	var assets []Asset
	if err := s.request(ctx, wire.ActionGenerateAssets, s.identity, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *BridgeStrategy) RetrieveSnapshots(ctx context.Context) ([]Snapshot, error) {
	var snapshots []Snapshot
	if err := s.request(ctx, wire.ActionGenerateSnapshot, s.identity, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *BridgeStrategy) Collect(ctx context.Context) (CollectResult, error) {
	payload, err := wire.JSONPayload(s.identity)
	if err != nil {
		return CollectResult{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeInternal, "encoding collect payload")
	}
	resp, err := s.requester.RequestTimeout(ctx, wire.ActionCollect, payload, s.CollectTimeout)
	if err != nil {
		return CollectResult{}, err
	}
	if resp == nil {
		return CollectResult{NoChange: true}, nil
	}
	var result CollectResult
	if err := json.Unmarshal([]byte(*resp), &result); err != nil {
		return CollectResult{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeStrategyExtraction, "decoding collect payload")
	}
	return result, nil
}

// Play asks the observer to seek the focused video.
func (s *BridgeStrategy) Play(ctx context.Context, seconds float64) error {
	return s.request(ctx, wire.ActionPlay, PlayRequest{Seconds: seconds}, nil)
}

// DefaultStrategy serves contexts nothing observes. Every capture is empty;
// metadata echoes the identity.
type DefaultStrategy struct {
	identity ContextIdentity
}

// NewDefaultStrategy creates the no-op strategy for an identity.
func NewDefaultStrategy(identity ContextIdentity) *DefaultStrategy {
	return &DefaultStrategy{identity: identity}
}

func (s *DefaultStrategy) Name() string { return StrategyDefault }

func (s *DefaultStrategy) Metadata(context.Context) (Metadata, error) {
	return Metadata{
		Name: s.identity.ProcessName,
		Kind: KindDefault,
	}, nil
}

func (s *DefaultStrategy) RetrieveAssets(context.Context) ([]Asset, error) {
	return nil, nil
}

func (s *DefaultStrategy) RetrieveSnapshots(context.Context) ([]Snapshot, error) {
	return nil, nil
}

func (s *DefaultStrategy) Collect(context.Context) (CollectResult, error) {
	return CollectResult{NoChange: true}, nil
}
