package stream

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
)

const readSize = 32 * 1024

// Transformer relays an upstream event stream to the client. Every complete
// part goes through the usage parser. Without a converter the bytes are
// relayed unchanged as they arrive; with one each part is re-encoded.
type Transformer struct {
	Separator string
	Parser    providers.UsageParser
	Converter providers.StreamConverter
}

// Result describes a finished relay.
type Result struct {
	// FirstByte is true once anything was written to the client.
	FirstByte bool
	// Parts is the number of upstream parts seen.
	Parts int
}

type writer struct {
	w     io.Writer
	flush func()
	res   *Result
}

func (w *writer) write(s string) error {
	if s == "" {
		return nil
	}
	if _, err := io.WriteString(w.w, s); err != nil {
		return err
	}
	w.res.FirstByte = true
	if w.flush != nil {
		w.flush()
	}
	return nil
}

// Pipe reads upstream until EOF, the context is cancelled or a write to the
// client fails. The parser keeps whatever usage it saw in every case.
func (t *Transformer) Pipe(ctx context.Context, w io.Writer, flush func(), upstream io.Reader) (Result, error) {
	var res Result
	out := &writer{w: w, flush: flush, res: &res}
	sep := t.Separator
	if sep == "" {
		sep = "\n\n"
	}

	var pending strings.Builder
	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if t.Converter == nil {
				if err := out.write(chunk); err != nil {
					return res, err
				}
			}

			pending.WriteString(chunk)
			data := pending.String()
			parts := strings.Split(data, sep)
			tail := parts[len(parts)-1]
			for _, part := range parts[:len(parts)-1] {
				if err := t.part(out, &res, part); err != nil {
					return res, err
				}
			}
			pending.Reset()
			pending.WriteString(tail)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return res, readErr
		}
	}

	if tail := pending.String(); strings.TrimSpace(tail) != "" {
		if err := t.part(out, &res, strings.TrimRight(tail, "\r\n")); err != nil {
			return res, err
		}
	}
	if t.Converter != nil {
		if err := out.write(strings.Join(t.Converter.Flush(), "")); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (t *Transformer) part(out *writer, res *Result, part string) error {
	if strings.TrimSpace(part) == "" {
		return nil
	}
	res.Parts++
	if t.Parser != nil {
		t.Parser.Parse(part)
	}
	if t.Converter == nil {
		return nil
	}
	return out.write(strings.Join(t.Converter.Convert(part), ""))
}
