// Package api is the typed HTTP client for the storage service's upload
// and download endpoints.
//
// # Endpoints
//
// Uploads follow an init/chunk/complete protocol:
//
//	init     POST /api/v1/upload/init?file_name=&file_size=&folder_id=
//	chunk    POST /api/v1/upload/chunk/{upload_id}?chunk_index=i
//	direct   POST /api/v1/upload/direct/{upload_id}
//	complete POST /api/v1/upload/complete/{upload_id}
//	status   GET  /api/v1/upload/resume/{upload_id}
//
// Downloads use a header-only probe followed by range or full fetches:
//
//	probe    HEAD /api/v1/upload/download/{file_id}
//	fetch    GET  /api/v1/upload/download/{file_id}  [Range: bytes=s-e]
//
// # Error taxonomy
//
// Requests fail with one of two typed errors:
//
//   - *NetworkError: the request never produced a response. Transient;
//     callers retry these through a retry.Policy.
//   - *ProtocolError: the server answered with an unexpected status or
//     body. Fatal for the attempt.
//
// A ranged fetch answered with a full 200 body, or a 206 whose
// Content-Range does not start at the requested offset, is reported as a
// *ProtocolError: silently accepting it would duplicate already-saved
// bytes in a resumed download.
//
// # Credentials
//
// The bearer token is resolved through a TokenProvider immediately before
// every request, so credential rotation needs no client rebuild.
package api
