// Package upload drives the storage service's init/chunk/complete upload
// protocol.
//
// The server chooses a storage strategy when the session is initialized.
// Small payloads go up in one direct multipart request; large ones are
// split into fixed-size chunks, sent strictly serially, each wrapped in a
// linear-backoff retry policy. The completion call is made for every
// strategy; a server answer of status "incomplete" becomes an
// *IncompleteError naming the missing chunk indices, which the coordinator
// never re-sends on its own.
//
//	coord := upload.NewCoordinator(client, upload.Options{})
//	result, err := coord.Upload(ctx, upload.Request{
//	    FileName: "report.pdf",
//	    Size:     size,
//	    Content:  f,
//	    OnProgress: func(p upload.Progress) {
//	        fmt.Printf("%.0f%% (%d/%d chunks)\n", p.Progress, p.ChunksUploaded, p.TotalChunks)
//	    },
//	})
//
// A failed upload is not resumed automatically: re-invoking Upload starts
// a new session with a new upload id. Status exposes the server-side
// session view for callers that want to inspect an interrupted session.
package upload
