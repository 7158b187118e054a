// Package alertpb defines the carewatch.v1.AlertService gRPC contract.
//
// Messages travel as google.protobuf.Struct so the service needs no generated
// code; the typed structs in this package convert to and from that form.
package alertpb

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMalformed is returned when a Struct does not have the expected shape.
var ErrMalformed = errors.New("malformed alert message")

// Alert is one recorded alert event.
type Alert struct {
	OccurredAt time.Time `json:"occurredAt"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	DeviceID   string    `json:"deviceId"`
	Kind       string    `json:"kind"`
	ID         uint64    `json:"id"`
}

// ListAlertsRequest filters and pages the alert log. Zero fields mean no filter.
type ListAlertsRequest struct {
	DeviceID string
	Kind     string
	// PageToken is the NextPageToken of the previous page.
	PageToken string
	PageSize  int
}

// ListAlertsResponse is one page of alerts in ascending ID order.
type ListAlertsResponse struct {
	// NextPageToken is empty on the last page.
	NextPageToken string
	Alerts        []Alert
}

// ToStruct encodes the request.
func (r *ListAlertsRequest) ToStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"device_id":  structpb.NewStringValue(r.DeviceID),
		"kind":       structpb.NewStringValue(r.Kind),
		"page_token": structpb.NewStringValue(r.PageToken),
		"page_size":  structpb.NewNumberValue(float64(r.PageSize)),
	}}
}

// ListAlertsRequestFromStruct decodes a request. Missing fields are zero.
func ListAlertsRequestFromStruct(s *structpb.Struct) (*ListAlertsRequest, error) {
	f := s.GetFields()
	req := &ListAlertsRequest{}

	var err error
	if req.DeviceID, err = stringField(f, "device_id"); err != nil {
		return nil, err
	}
	if req.Kind, err = stringField(f, "kind"); err != nil {
		return nil, err
	}
	if req.PageToken, err = stringField(f, "page_token"); err != nil {
		return nil, err
	}

	size, err := numberField(f, "page_size")
	if err != nil {
		return nil, err
	}
	if size != math.Trunc(size) || size < 0 || size > math.MaxInt32 {
		return nil, fmt.Errorf("%w: page_size %v", ErrMalformed, size)
	}
	req.PageSize = int(size)

	return req, nil
}

// ToStruct encodes the response.
func (r *ListAlertsResponse) ToStruct() *structpb.Struct {
	alerts := make([]*structpb.Value, 0, len(r.Alerts))
	for _, a := range r.Alerts {
		fields := map[string]*structpb.Value{
			"id":          structpb.NewNumberValue(float64(a.ID)),
			"device_id":   structpb.NewStringValue(a.DeviceID),
			"kind":        structpb.NewStringValue(a.Kind),
			"occurred_at": structpb.NewStringValue(a.OccurredAt.UTC().Format(time.RFC3339Nano)),
		}
		if a.Latitude != nil && a.Longitude != nil {
			fields["latitude"] = structpb.NewNumberValue(*a.Latitude)
			fields["longitude"] = structpb.NewNumberValue(*a.Longitude)
		}
		alerts = append(alerts, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"alerts":          structpb.NewListValue(&structpb.ListValue{Values: alerts}),
		"next_page_token": structpb.NewStringValue(r.NextPageToken),
	}}
}

// ListAlertsResponseFromStruct decodes a response.
func ListAlertsResponseFromStruct(s *structpb.Struct) (*ListAlertsResponse, error) {
	f := s.GetFields()
	resp := &ListAlertsResponse{}

	var err error
	if resp.NextPageToken, err = stringField(f, "next_page_token"); err != nil {
		return nil, err
	}

	for i, v := range f["alerts"].GetListValue().GetValues() {
		af := v.GetStructValue().GetFields()
		if af == nil {
			return nil, fmt.Errorf("%w: alert %d is not an object", ErrMalformed, i)
		}

		var a Alert
		id, err := numberField(af, "id")
		if err != nil {
			return nil, err
		}
		a.ID = uint64(id)

		if a.DeviceID, err = stringField(af, "device_id"); err != nil {
			return nil, err
		}
		if a.Kind, err = stringField(af, "kind"); err != nil {
			return nil, err
		}

		occurred, err := stringField(af, "occurred_at")
		if err != nil {
			return nil, err
		}
		if a.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
			return nil, fmt.Errorf("%w: occurred_at: %v", ErrMalformed, err)
		}

		if lat, ok := af["latitude"]; ok {
			if lon, ok := af["longitude"]; ok {
				la, lo := lat.GetNumberValue(), lon.GetNumberValue()
				a.Latitude, a.Longitude = &la, &lo
			}
		}

		resp.Alerts = append(resp.Alerts, a)
	}

	return resp, nil
}

func stringField(f map[string]*structpb.Value, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, name)
	}
	return s.StringValue, nil
}

func numberField(f map[string]*structpb.Value, name string) (float64, error) {
	v, ok := f[name]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrMalformed, name)
	}
	return n.NumberValue, nil
}
