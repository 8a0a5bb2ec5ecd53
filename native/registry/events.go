package registry

import (
	"encoding/hex"
	"strconv"

	"meterpay/core/types"
)

const (
	EventTypeEndpointRegistered  = "registry.endpoint.registered"
	EventTypeEndpointUpdated     = "registry.endpoint.updated"
	EventTypeEndpointDeactivated = "registry.endpoint.deactivated"
	EventTypeEndpointReactivated = "registry.endpoint.reactivated"
)

type endpointEvent struct {
	evt *types.Event
}

func (e endpointEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e endpointEvent) Event() *types.Event { return e.evt }

func newEndpointEvent(eventType string, endpoint *Endpoint) endpointEvent {
	attrs := make(map[string]string)
	if endpoint == nil {
		return endpointEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
	}
	attrs["id"] = hex.EncodeToString(endpoint.ID[:])
	attrs["seller"] = hex.EncodeToString(endpoint.Seller[:])
	attrs["category"] = string(endpoint.Category)
	if endpoint.PricePerCall != nil {
		attrs["pricePerCall"] = endpoint.PricePerCall.String()
	}
	attrs["disputeWindowSeconds"] = strconv.FormatInt(endpoint.DisputeWindowSeconds, 10)
	attrs["active"] = strconv.FormatBool(endpoint.Active)
	attrs["totalCalls"] = strconv.FormatUint(endpoint.TotalCalls, 10)
	return endpointEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}
