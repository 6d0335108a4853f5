// Package results decodes backend detection payloads and merges them into
// the display-ready DetectionResult.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/e7canasta/expression-client/internal/types"
)

// Observation is one detected label. Scored is false when the backend sent a
// bare label without a confidence (allowed inside combined payloads only).
type Observation struct {
	types.Label
	Scored bool
}

// DetectionPayload is the decoded results field of a successful response.
// Mode is the discriminant; only the fields relevant to it are set.
type DetectionPayload struct {
	Mode types.Mode

	Emotion *Observation
	Gesture *Observation
	Sign    *Observation

	// Gestures is the full best-first list for gesture mode.
	Gestures []types.Label
}

// DecodePayload parses raw according to mode. Shapes:
//
//	emotion:  {"emotion": "Happy", "confidence": 0.8}
//	sign:     {"sign": "A", "confidence": 0.7}
//	gesture:  [{"gesture": "wave", "confidence": 0.9}, ...]  (best first, may be empty)
//	combined: any subset of {"emotion", "gesture", "sign"}, each either a bare
//	          string or the per-mode shape; gesture may also be a list
//
// Any other shape, a missing or empty label, or a confidence outside [0,1]
// returns an error wrapping types.ErrMalformedPayload.
func DecodePayload(mode types.Mode, raw json.RawMessage) (DetectionPayload, error) {
	p := DetectionPayload{Mode: mode}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: empty results", types.ErrMalformedPayload)
	}

	switch mode {
	case types.ModeEmotion:
		obs, err := decodeScored(raw, "emotion")
		if err != nil {
			return p, err
		}
		p.Emotion = obs
		return p, nil

	case types.ModeSign:
		obs, err := decodeScored(raw, "sign")
		if err != nil {
			return p, err
		}
		p.Sign = obs
		return p, nil

	case types.ModeGesture:
		list, err := decodeGestureList(raw)
		if err != nil {
			return p, err
		}
		p.Gestures = list
		if len(list) > 0 {
			p.Gesture = &Observation{Label: list[0], Scored: true}
		}
		return p, nil

	case types.ModeCombined:
		return decodeCombined(raw)

	default:
		return p, fmt.Errorf("%w: unknown mode %q", types.ErrMalformedPayload, mode)
	}
}

// decodeScored parses {"<field>": "label", "confidence": n}.
func decodeScored(raw json.RawMessage, field string) (*Observation, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: %s results must be an object", types.ErrMalformedPayload, field)
	}

	name, err := decodeLabelName(obj[field], field)
	if err != nil {
		return nil, err
	}

	confRaw, ok := obj["confidence"]
	if !ok {
		return nil, fmt.Errorf("%w: %s results missing confidence", types.ErrMalformedPayload, field)
	}
	conf, err := decodeConfidence(confRaw, field)
	if err != nil {
		return nil, err
	}

	return &Observation{Label: types.Label{Name: name, Confidence: conf}, Scored: true}, nil
}

func decodeGestureList(raw json.RawMessage) ([]types.Label, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: gesture results must be a list", types.ErrMalformedPayload)
	}

	list := make([]types.Label, 0, len(items))
	for i, item := range items {
		obs, err := decodeScored(item, "gesture")
		if err != nil {
			return nil, fmt.Errorf("gesture[%d]: %w", i, err)
		}
		list = append(list, obs.Label)
	}
	return list, nil
}

func decodeCombined(raw json.RawMessage) (DetectionPayload, error) {
	p := DetectionPayload{Mode: types.ModeCombined}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return p, fmt.Errorf("%w: combined results must be an object", types.ErrMalformedPayload)
	}

	var err error
	if p.Emotion, err = decodeCombinedField(obj["emotion"], "emotion"); err != nil {
		return p, err
	}
	if p.Sign, err = decodeCombinedField(obj["sign"], "sign"); err != nil {
		return p, err
	}

	gestureRaw := bytes.TrimSpace(obj["gesture"])
	if len(gestureRaw) > 0 && gestureRaw[0] == '[' {
		list, err := decodeGestureList(gestureRaw)
		if err != nil {
			return p, err
		}
		p.Gestures = list
		if len(list) > 0 {
			p.Gesture = &Observation{Label: list[0], Scored: true}
		}
		return p, nil
	}
	if p.Gesture, err = decodeCombinedField(gestureRaw, "gesture"); err != nil {
		return p, err
	}
	return p, nil
}

// decodeCombinedField returns nil for an absent or null field.
func decodeCombinedField(raw json.RawMessage, field string) (*Observation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		name, err := decodeLabelName(raw, field)
		if err != nil {
			return nil, err
		}
		return &Observation{Label: types.Label{Name: name}}, nil
	case '{':
		return decodeScored(raw, field)
	default:
		return nil, fmt.Errorf("%w: combined %s must be a string or object", types.ErrMalformedPayload, field)
	}
}

func decodeLabelName(raw json.RawMessage, field string) (string, error) {
	var name string
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing %s label", types.ErrMalformedPayload, field)
	}
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("%w: %s label must be a string", types.ErrMalformedPayload, field)
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty %s label", types.ErrMalformedPayload, field)
	}
	return name, nil
}

func decodeConfidence(raw json.RawMessage, field string) (float64, error) {
	var conf float64
	if err := json.Unmarshal(raw, &conf); err != nil {
		return 0, fmt.Errorf("%w: %s confidence must be a number", types.ErrMalformedPayload, field)
	}
	if conf < 0 || conf > 1 {
		return 0, fmt.Errorf("%w: %s confidence %v outside [0,1]", types.ErrMalformedPayload, field, conf)
	}
	return conf, nil
}
