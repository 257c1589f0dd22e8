package eventstore

import (
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// Sentinel classifications for event store failures. Operations return errors
// carrying the same category and message with the driver error as cause.
var (
	ErrInitializeSchemaFailed = ferrors.StorageError("failed to initialize event store schema").Build()
	ErrEventAppendFailed      = ferrors.StorageError("failed to append event to store").Build()
	ErrEventQueryFailed       = ferrors.StorageError("failed to query events from store").Build()
	ErrEventScanFailed        = ferrors.StorageError("failed to scan event rows").Build()
	ErrMarshalPayloadFailed   = ferrors.StorageError("failed to marshal event payload").Build()
	ErrUnmarshalPayloadFailed = ferrors.StorageError("failed to unmarshal event payload").Build()
	ErrPruneFailed            = ferrors.StorageError("failed to prune events").Build()
	ErrStatsUpdateFailed      = ferrors.StorageError("failed to update package statistics").Build()
)
