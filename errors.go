package synceddb

import "github.com/pkg/errors"

var ErrKeyDoesNotExist = errors.New("key does not exist")
var ErrKeyAlreadyExists = errors.New("key already exists")
var ErrStorageFailure = errors.New("storage failure")
var ErrInvalidRecord = errors.New("invalid record")
var ErrUniqueViolation = errors.New("unique index violation")
var ErrStoreNotFound = errors.New("store not found")
var ErrIndexNotFound = errors.New("index not found")
var ErrDBClosed = errors.New("database is closed")

var ErrNotAcknowledged = errors.New("changes were not acknowledged")
var ErrConnectionClosed = errors.New("connection closed")
var ErrPullStalled = errors.New("pull stalled, reconnect to pull again")

var ErrTxIsReadOnly = errors.New("transaction is read only")
var ErrVersionDowngrade = errors.New("database version is newer than the requested one")

var ErrJsonCouldNotBeUnmarshalled = errors.New("json contents could not be unmarshalled, probably is invalid")
var ErrJsonPathInvalid = errors.New("json path is invalid")
