package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Header is the first line of a snapshot file, readable without decoding the body.
type Header struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	SavedAt string `json:"saved_at"`
	Agents  int    `json:"agents"`
}

func (s WorldSnapshot) Header() Header {
	return Header{Version: s.Version, Tick: s.World.Tick, SavedAt: s.SavedAt, Agents: len(s.Agents)}
}

// WriteFile writes a zstd-compressed header line followed by the JSON snapshot.
// The file is written to a temp name and renamed into place.
func WriteFile(path string, snap WorldSnapshot) error {
	body, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeTo(f, snap.Header(), body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeTo(w io.Writer, h Header, body []byte) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(body); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadFile reads and fully validates a snapshot file.
func ReadFile(path string) (WorldSnapshot, error) {
	h, body, err := readParts(path, true)
	if err != nil {
		return WorldSnapshot{}, err
	}
	if h.Version != Version {
		return WorldSnapshot{}, invalidf("%s: header version %d, want %d", path, h.Version, Version)
	}
	snap, err := Decode(body)
	if err != nil {
		return WorldSnapshot{}, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// ReadHeader reads only the header line.
func ReadHeader(path string) (Header, error) {
	h, _, err := readParts(path, false)
	return h, err
}

// ReadBody returns the raw JSON body without validating it.
func ReadBody(path string) ([]byte, error) {
	_, body, err := readParts(path, true)
	return body, err
}

func readParts(path string, withBody bool) (Header, []byte, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, nil, invalidf("%s: header: %v", path, err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, nil, invalidf("%s: header: %v", path, err)
	}
	if !withBody {
		return h, nil, nil
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return h, nil, invalidf("%s: body: %v", path, err)
	}
	return h, body, nil
}
