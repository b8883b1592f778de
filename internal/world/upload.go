package world

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rotisserie/eris"

	"driftworld/server/internal/assets"
)

// ErrUploadTooLarge reports an upload beyond the configured cap.
var ErrUploadTooLarge = eris.New("upload exceeds size limit")

// ErrUploadHashMismatch reports bytes that do not match their
// content-addressed name.
var ErrUploadHashMismatch = eris.New("upload hash mismatch")

// HashURL names bytes by content: asset://<sha256>.<ext>.
func HashURL(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("asset://%s.%s", hex.EncodeToString(sum[:]), ext)
}

// AcceptUpload validates and stores an uploaded asset on behalf of a
// session. Called from the HTTP handler goroutine; the world state it
// touches runs through the frame queue. A rejected upload leaves no
// trace server-side and the uploading session gets a private system
// notice; its socket stays open.
func (w *World) AcceptUpload(sessionID, url string, data []byte) error {
	limit := w.cfg.MaxUploadMB << 20
	if int64(len(data)) > limit {
		w.Post(func() {
			if sess, ok := w.sessions[sessionID]; ok {
				w.whisper(sess, fmt.Sprintf("upload rejected: file exceeds the %d MB limit", w.cfg.MaxUploadMB))
			}
		})
		return eris.Wrapf(ErrUploadTooLarge, "%d bytes over %d MB cap", len(data), w.cfg.MaxUploadMB)
	}

	hash, ext, err := assets.ParseURL(url)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return eris.Wrapf(ErrUploadHashMismatch, "url %s", url)
	}

	typ, _ := assets.TypeForExt(ext)
	if err := w.cache.Insert(typ, url, data); err != nil {
		return eris.Wrapf(err, "insert %s", url)
	}
	w.logger.Info().Str("url", url).Int("bytes", len(data)).Str("session", sessionID).Msg("upload stored")
	return nil
}
