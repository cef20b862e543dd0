package assistant

import (
	"encoding/json"
	"fmt"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// ParseSessionEvent parses a session event data.
func ParseSessionEvent(data string) (*domain.SessionEventData, error) {
	var evt domain.SessionEventData
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return nil, fmt.Errorf("failed to parse session event: %w", err)
	}
	return &evt, nil
}

// ParseDeltaEvent parses a delta event data.
func ParseDeltaEvent(data string) (*domain.DeltaEventData, error) {
	var delta domain.DeltaEventData
	if err := json.Unmarshal([]byte(data), &delta); err != nil {
		return nil, fmt.Errorf("failed to parse delta event: %w", err)
	}
	return &delta, nil
}

// ParseStatusEvent parses a status event data.
func ParseStatusEvent(data string) (*domain.StatusEventData, error) {
	var status domain.StatusEventData
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("failed to parse status event: %w", err)
	}
	return &status, nil
}

// ParseToolEvent parses a tool event data.
func ParseToolEvent(data string) (*domain.ToolEventData, error) {
	var tool domain.ToolEventData
	if err := json.Unmarshal([]byte(data), &tool); err != nil {
		return nil, fmt.Errorf("failed to parse tool event: %w", err)
	}
	return &tool, nil
}

// ParseProductsEvent parses a products event data.
func ParseProductsEvent(data string) (*domain.ProductsEventData, error) {
	var products domain.ProductsEventData
	if err := json.Unmarshal([]byte(data), &products); err != nil {
		return nil, fmt.Errorf("failed to parse products event: %w", err)
	}
	return &products, nil
}

// ParseDoneEvent parses a done event data.
func ParseDoneEvent(data string) (*domain.DoneEventData, error) {
	var done domain.DoneEventData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return nil, fmt.Errorf("failed to parse done event: %w", err)
	}
	return &done, nil
}

// ParseErrorEvent parses an error event data.
func ParseErrorEvent(data string) (*domain.ErrorEventData, error) {
	var errEvt domain.ErrorEventData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
