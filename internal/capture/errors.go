package capture

import "errors"

// Cycle outcomes. Run wraps these with detail; match with errors.Is.
var (
	// ErrSessionNotReady means the cycle was skipped because the broker
	// session was down. The camera was not touched.
	ErrSessionNotReady = errors.New("broker session not ready")
	// ErrSensorAcquireFailed means no frame was obtained; recovery ran.
	ErrSensorAcquireFailed = errors.New("sensor acquisition failed")
	// ErrPayloadTooLarge means the frame exceeded the size bound and was
	// dropped.
	ErrPayloadTooLarge = errors.New("frame exceeds payload limit")
	// ErrEncodeFailed means the frame could not be encoded and was
	// dropped.
	ErrEncodeFailed = errors.New("frame encoding failed")
	// ErrSerializeFailed means the envelope could not be serialized.
	ErrSerializeFailed = errors.New("message serialization failed")
	// ErrPublishRejected means the transport refused the message. It is
	// not retried.
	ErrPublishRejected = errors.New("publish rejected")
)

// Result names an outcome for logs and the journal.
type Result string

const (
	ResultPublished       Result = "published"
	ResultSkipped         Result = "skipped"
	ResultAcquireFailed   Result = "acquire_failed"
	ResultTooLarge        Result = "too_large"
	ResultEncodeFailed    Result = "encode_failed"
	ResultSerializeFailed Result = "serialize_failed"
	ResultPublishFailed   Result = "publish_failed"
	ResultFailed          Result = "failed"
)

// Classify maps a Run error to its Result.
func Classify(err error) Result {
	switch {
	case err == nil:
		return ResultPublished
	case errors.Is(err, ErrSessionNotReady):
		return ResultSkipped
	case errors.Is(err, ErrSensorAcquireFailed):
		return ResultAcquireFailed
	case errors.Is(err, ErrPayloadTooLarge):
		return ResultTooLarge
	case errors.Is(err, ErrEncodeFailed):
		return ResultEncodeFailed
	case errors.Is(err, ErrSerializeFailed):
		return ResultSerializeFailed
	case errors.Is(err, ErrPublishRejected):
		return ResultPublishFailed
	default:
		return ResultFailed
	}
}
