// Package logstream is the record-level API over a replicated partition.
//
// Writers submit batches and get a Future back at once; the future
// completes with the batch's first position when the batch commits. A
// bounded window of uncommitted batches protects the leader: when it is
// full, writes fail with ErrBackpressure rather than queue.
//
//	w := stream.NewWriter()
//	pos, err := w.Write(ctx, logstream.Batch{Records: recs}).Wait(ctx)
//
// Readers walk positions in order, either everything appended
// (ModeAll) or only committed records (ModeCommittedOnly), optionally
// filtered by a CEL expression:
//
//	r, _ := stream.NewReader(logstream.ReaderOptions{Filter: "valueType == 7"})
//	for r.HasNext() {
//		rec, err := r.Next()
//		...
//	}
package logstream
