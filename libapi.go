package courier

import (
	"github.com/ThreeDotsLabs/watermill/message"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	bridgepkg "github.com/drblury/courier/internal/runtime/bridge"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	transportpkg "github.com/drblury/courier/transport"
)

type (
	Config       = configpkg.Config
	Courier      = runtimepkg.Courier
	Dependencies = runtimepkg.Dependencies

	Address     = runtimepkg.Address
	ChannelName = runtimepkg.ChannelName
	Parcel      = runtimepkg.Parcel

	DeliveryStatus  = runtimepkg.DeliveryStatus
	DeliveryReceipt = runtimepkg.DeliveryReceipt
	ReceiptHandle   = runtimepkg.ReceiptHandle
	ReceiptSnapshot = runtimepkg.ReceiptSnapshot

	Delivery              = runtimepkg.Delivery
	Receiver              = runtimepkg.Receiver
	TypedDelivery[T any]  = runtimepkg.TypedDelivery[T]
	TypedReceiver[T any]  = runtimepkg.TypedReceiver[T]
	PayloadTypeError      = runtimepkg.PayloadTypeError
	DeadLetter            = runtimepkg.DeadLetter
	DeadLetterReceiver    = runtimepkg.DeadLetterReceiver
	Producer              = runtimepkg.Producer
	Road                  = runtimepkg.Road
	Route                 = runtimepkg.Route
	Roadmap               = runtimepkg.Roadmap
	Channel               = runtimepkg.Channel
	RoadInfo              = runtimepkg.RoadInfo
	StatusReport          = runtimepkg.StatusReport
	ConfigValidationError = errspkg.ConfigValidationError
	ReceiverPanicError    = errspkg.ReceiverPanicError

	ParcelMiddleware   = runtimepkg.ParcelMiddleware
	MiddlewareFuncs    = runtimepkg.MiddlewareFuncs
	MiddlewareRegistry = runtimepkg.MiddlewareRegistry

	ReceiverMiddleware     = runtimepkg.ReceiverMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	Instrumentation      = runtimepkg.Instrumentation
	InstrumentationFuncs = runtimepkg.InstrumentationFuncs

	// Stats and metrics
	RoadStats          = runtimepkg.RoadStats
	RoadStatsSnapshot  = runtimepkg.RoadStatsSnapshot
	DeliveryMetrics    = runtimepkg.DeliveryMetrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQChannelMetrics  = runtimepkg.DLQChannelMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot
	ResourceUsage      = runtimepkg.ResourceUsage

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Broker bridging
	Inlet            = bridgepkg.Inlet
	Decoder          = bridgepkg.Decoder
	DeadLetterRecord = bridgepkg.DeadLetterRecord

	Transport         = transportpkg.Transport
	TransportBuilder  = transportpkg.Builder
	TransportRegistry = transportpkg.Registry
	TransportConfig   = transportpkg.Config
	TransportOptions  = transportpkg.Options
)

var (
	NewCourier            = runtimepkg.NewCourier
	NewParcel             = runtimepkg.NewParcel
	NewRoadmap            = runtimepkg.NewRoadmap
	NewMiddlewareRegistry = runtimepkg.NewMiddlewareRegistry
	FanOut                = runtimepkg.FanOut
	ValidateConfig        = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogParcelsMiddleware    = runtimepkg.LogParcelsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	ThrottleMiddleware      = runtimepkg.ThrottleMiddleware

	// Delivery lifecycle hooks
	DeliveryHooksMiddleware = runtimepkg.DeliveryHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	NewDeliveryMetrics = runtimepkg.NewDeliveryMetrics
	NewDLQMetrics      = runtimepkg.NewDLQMetrics

	// Broker bridging
	RawPayload               = bridgepkg.RawPayload
	NewMessageFromParcel     = bridgepkg.NewMessageFromParcel
	NewMessageFromDeadLetter = bridgepkg.NewMessageFromDeadLetter
	NewDeadLetterRecord      = bridgepkg.NewDeadLetterRecord
	PublishParcel            = bridgepkg.PublishParcel
	DeadLetterPublisher      = bridgepkg.DeadLetterPublisher

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	NewTransportRegistry     = transportpkg.NewRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired           = errspkg.ErrConfigRequired
	ErrLoggerRequired           = errspkg.ErrLoggerRequired
	ErrCourierRequired          = errspkg.ErrCourierRequired
	ErrAddressRequired          = errspkg.ErrAddressRequired
	ErrReceiverRequired         = errspkg.ErrReceiverRequired
	ErrAddressRegistered        = errspkg.ErrAddressRegistered
	ErrMiddlewareRequired       = errspkg.ErrMiddlewareRequired
	ErrMiddlewareExists         = errspkg.ErrMiddlewareExists
	ErrRoadmapSealed            = errspkg.ErrRoadmapSealed
	ErrNoRoutes                 = errspkg.ErrNoRoutes
	ErrParcelRequired           = errspkg.ErrParcelRequired
	ErrParcelNotSendable        = errspkg.ErrParcelNotSendable
	ErrCourierClosed            = errspkg.ErrCourierClosed
	ErrAlreadyRunning           = errspkg.ErrAlreadyRunning
	ErrChannelClosed            = errspkg.ErrChannelClosed
	ErrDeadLetterDisabled       = errspkg.ErrDeadLetterDisabled
	ErrDeadLetterReceiverExists = errspkg.ErrDeadLetterReceiverExists
	ErrReservedHandstamp        = errspkg.ErrReservedHandstamp
	ErrShutdownTimeout          = errspkg.ErrShutdownTimeout
	ErrPublisherRequired        = errspkg.ErrPublisherRequired
	ErrSubscriberRequired       = errspkg.ErrSubscriberRequired
	ErrTopicRequired            = errspkg.ErrTopicRequired
	DescribeError               = errspkg.Describe

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillLogger        = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Delivery statuses.
const (
	StatusDelivering = runtimepkg.StatusDelivering
	StatusDelivered  = runtimepkg.StatusDelivered
	StatusDead       = runtimepkg.StatusDead
)

// Reserved handstamp keys.
const (
	HandstampDeadReason   = runtimepkg.HandstampDeadReason
	HandstampAddressChain = runtimepkg.HandstampAddressChain
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = runtimepkg.CorrelationIDKey
	MetadataKeyMessageUUID   = bridgepkg.MetadataKeyMessageUUID
	MetadataKeyParcelID      = bridgepkg.MetadataKeyParcelID
	MetadataKeyAddress       = bridgepkg.MetadataKeyAddress
	MetadataKeyChannel       = bridgepkg.MetadataKeyChannel
	MetadataKeyDeadReason    = bridgepkg.MetadataKeyReason
	MetadataKeyPayloadType   = bridgepkg.MetadataKeyPayloadType
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTimeout    = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func Typed[T any](fn TypedReceiver[T]) Receiver {
	return runtimepkg.Typed(fn)
}

func RegisterTypedReceiver[T any](c *Courier, address Address, channel ChannelName, fn TypedReceiver[T]) error {
	return runtimepkg.RegisterTypedReceiver(c, address, channel, fn)
}

func PayloadAs[T any](p *Parcel) (T, bool) {
	return runtimepkg.PayloadAs[T](p)
}

func JSONPayload[T any]() Decoder {
	return bridgepkg.JSONPayload[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// NewInlet returns an Inlet that submits every message on topic to address.
// Payloads are passed through as raw bytes unless decode is set.
func NewInlet(sub message.Subscriber, topic string, address Address, producer Producer, decode Decoder, logger ServiceLogger) Inlet {
	return Inlet{
		Subscriber: sub,
		Topic:      topic,
		Address:    address,
		Producer:   producer,
		Decode:     decode,
		Logger:     logger,
	}
}
