// Package message implements the data model of the KeyLink customer-server
// API as used by the relay: signing requests, their statuses, and the
// documents carrying them between the frontend and the backend.
//
// JSON payloads are checked against the schemas embedded in this package
// before they are decoded, see Validator.
package message
