package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// Descriptor describes one backend call. It is kept intact so the call can
// be sent again after a token refresh.
type Descriptor struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is nil, a *Multipart, a RawBody, or any JSON-encodable value.
	Body any
	// Public forces the call to go out without credentials.
	Public bool
}

// RawBody is sent as-is with its own content type.
type RawBody struct {
	ContentType string
	Data        []byte
}

// Multipart is a multipart/form-data payload. The boundary is chosen by the
// encoder on each send.
type Multipart struct {
	Fields map[string]string
	Files  []File
}

type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

func (m *Multipart) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, m.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	for _, f := range m.Files {
		var (
			part io.Writer
			err  error
		)
		if f.ContentType == "" {
			part, err = writer.CreateFormFile(f.Field, f.Name)
		} else {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
			h.Set("Content-Type", f.ContentType)
			part, err = writer.CreatePart(h)
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part for %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file %s: %w", f.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// encodeBody returns the wire bytes and content type of a descriptor body.
// An empty content type means none is set.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *Multipart:
		return b.encode()
	case Multipart:
		return b.encode()
	case RawBody:
		return b.Data, b.ContentType, nil
	case *RawBody:
		return b.Data, b.ContentType, nil
	case []byte:
		return b, "application/octet-stream", nil
	case json.RawMessage:
		return b, "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, "application/json", nil
	}
}

func joinURL(base, path string, query url.Values) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}
