package metadata

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

// FromWatermill converts Watermill metadata into parcel metadata. Values stay strings.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts parcel metadata into a Watermill map. Strings and
// Stringers are copied as-is, everything else is JSON encoded.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = stringify(v)
	}
	return wm
}

func stringify(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	case error:
		return typed.Error()
	}
	encoded, err := jsoncodec.MarshalString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return encoded
}
