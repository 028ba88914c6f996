package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ItemType identifies the payload variant carried by an Item.
type ItemType string

// Item types.
const (
	TypeEvent    ItemType = "Event"
	TypeCrash    ItemType = "Crash"
	TypeSession  ItemType = "Session"
	TypePageView ItemType = "PageView"
	TypeMetric   ItemType = "Metric"
)

// Well-known context keys stamped by the built-in initializers.
const (
	TagDeviceID     = "device.id"
	TagDeviceModel  = "device.model"
	TagOSVersion    = "device.osVersion"
	TagAppVersion   = "application.version"
	TagSessionID    = "session.id"
	TagUserID       = "user.id"
	TagSDKVersion   = "internal.sdkVersion"
	TagOperationSyn = "operation.syntheticSource"
)

// Item is one unit of telemetry.
type Item struct {
	// ID is a unique identifier generated at creation.
	ID string

	// Timestamp is when the item was created, in UTC.
	Timestamp time.Time

	// Type selects the payload variant.
	Type ItemType

	// InstrumentationKey identifies the application at the collector.
	InstrumentationKey string

	// SampleRate is the sampling percentage applied by the producer, if any.
	SampleRate float64

	// Context holds string tags added by the caller and by initializers.
	Context map[string]string

	// Data is the variant payload.
	Data Payload
}

// Payload is implemented by every item payload variant.
type Payload interface {
	// ItemType returns the item type this payload belongs to.
	ItemType() ItemType

	// BaseType returns the envelope data.baseType discriminator.
	BaseType() string
}

// NewItem creates an item of the payload's type with a fresh ID and the
// current UTC time.
func NewItem(data Payload) *Item {
	item := &Item{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Context:   make(map[string]string),
		Data:      data,
	}
	if data != nil {
		item.Type = data.ItemType()
	}
	return item
}

// NewEvent creates a custom event item.
func NewEvent(name string, properties map[string]string) *Item {
	return NewItem(&EventData{Name: name, Properties: properties})
}

// NewPageView creates a page view item.
func NewPageView(name string) *Item {
	return NewItem(&PageViewData{Name: name})
}

// NewMetric creates a single-sample metric item.
func NewMetric(name string, value float64) *Item {
	return NewItem(&MetricData{Name: name, Value: value, Count: 1})
}

// NewSession creates a session boundary item.
func NewSession(state SessionState, sessionID string) *Item {
	item := NewItem(&SessionData{State: state, SessionID: sessionID})
	if sessionID != "" {
		item.Context[TagSessionID] = sessionID
	}
	return item
}

// Normalize fills fields a well-formed item must carry. Items built with
// NewItem are already normalized; items assembled by hand may not be.
func (i *Item) Normalize(now time.Time) {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = now
	}
	i.Timestamp = i.Timestamp.UTC()
	if i.Context == nil {
		i.Context = make(map[string]string)
	}
	if i.Type == "" && i.Data != nil {
		i.Type = i.Data.ItemType()
	}
}
