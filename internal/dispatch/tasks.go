// Package dispatch places outbound calls with the provider through an asynq
// queue, so call creation returns immediately and placement survives
// restarts and provider hiccups via queue retries.
package dispatch

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskPlaceCall = "calls.place"

// PlaceCallPayload identifies the stored call the worker should place.
type PlaceCallPayload struct {
	CallID         string `json:"callId"`
	OrganizationID string `json:"organizationId"`
}

// NewPlaceCallTask builds the asynq task for a call placement.
func NewPlaceCallTask(payload PlaceCallPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPlaceCall, data, asynq.MaxRetry(5)), nil
}

// ParsePlaceCallPayload decodes a placement task.
func ParsePlaceCallPayload(task *asynq.Task) (PlaceCallPayload, error) {
	var payload PlaceCallPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PlaceCallPayload{}, err
	}
	return payload, nil
}
