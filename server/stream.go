package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
)

const chunkSize = 32 * 1024

// lineChunks splits body on "\n" or "\r\n" and yields each line terminated by a
// single '\r'. An unterminated last line is yielded the same way. Lines longer than
// chunkSize are passed on in chunkSize pieces as they arrive; only the piece that
// ends the line gets the terminator.
func lineChunks(body io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		br := bufio.NewReaderSize(body, chunkSize)
		out := make([]byte, 0, chunkSize+1)
		for {
			line, err := br.ReadSlice('\n')
			if errors.Is(err, bufio.ErrBufferFull) {
				// A trailing '\r' may belong to a "\r\n" split across reads.
				if line[len(line)-1] == '\r' {
					line = line[:len(line)-1]
					_ = br.UnreadByte()
				}
				if !yield(append(out[:0], line...), nil) {
					return
				}
				continue
			}
			if len(line) > 0 {
				line = bytes.TrimSuffix(line, []byte("\n"))
				line = bytes.TrimSuffix(line, []byte("\r"))
				out = append(append(out[:0], line...), '\r')
				if !yield(out, nil) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
		}
	}
}

// rawChunks yields body unchanged in reads of at most chunkSize bytes. As with
// lineChunks, a yielded slice is only valid until the next iteration.
func rawChunks(body io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, chunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
		}
	}
}

// relay writes chunks to w, flushing after each one. It stops at the first read or
// write error; the caller still owns closing the upstream body.
func relay(w http.ResponseWriter, chunks iter.Seq2[[]byte, error]) (int64, error) {
	rc := http.NewResponseController(w)
	var written int64
	for chunk, err := range chunks {
		if err != nil {
			return written, fmt.Errorf("read upstream: %w", err)
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write client: %w", err)
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return written, fmt.Errorf("flush client: %w", err)
		}
	}
	return written, nil
}
