// Package hasher streams a file through a content digest with cooperative
// cancellation, shared by manifest scanning and destination verification.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/imageintact/backupcore/internal/retrypolicy"
)

// Algorithm is the fixed digest identifier serialized into manifests.
const Algorithm = "SHA256"

const blockSize = 1 << 20 // 1 MiB

// ctxReader wraps an io.Reader with cooperative cancellation checked
// between reads.
type ctxReader struct {
	ctx    context.Context //nolint:containedctx
	reader io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, context.Canceled
	default:
		return cr.reader.Read(p)
	}
}

// Digest streams path through SHA-256 in fixed-size blocks, returning the
// hex-encoded digest. It checks ctx for cancellation between blocks; on
// cancellation it returns a Cancelled-classified error and no partial
// result.
func Digest(ctx context.Context, fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", retrypolicy.Classify(retrypolicy.KindInternal, fmt.Errorf("failed to open: %q (%w)", path, err))
	}
	defer f.Close()

	h := sha256.New()
	reader := &ctxReader{ctx: ctx, reader: f}

	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, reader, buf); err != nil {
		if ctx.Err() != nil {
			return "", retrypolicy.Classify(retrypolicy.KindCancelled, ctx.Err())
		}

		return "", retrypolicy.Classify(retrypolicy.KindInternal, fmt.Errorf("failed reading: %q (%w)", path, err))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
