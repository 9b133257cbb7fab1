package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// encodeForm writes fields as multipart/form-data and returns the body and its content type.
func encodeForm(fields []models.FormField) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for _, f := range fields {
		switch f.Kind {
		case models.FieldText:
			if err := w.WriteField(f.Name, f.Value); err != nil {
				return nil, "", err
			}
		case models.FieldFile:
			if err := writeFile(w, f); err != nil {
				return nil, "", err
			}
		default:
			return nil, "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("form field %q has unknown kind %q", f.Name, f.Kind))
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, f models.FormField) error {
	if f.File == nil || f.File.URI == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("file field %q has no uri", f.Name))
	}

	name := f.File.Name
	if name == "" {
		name = uuid.FileName(models.DefaultFilePrefix, models.DefaultFileExt)
	}
	contentType := f.File.ContentType
	if contentType == "" {
		contentType = models.DefaultFileContentType
	}

	file, err := os.Open(localPath(f.File.URI))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("open file for field %q", f.Name), err)
	}
	defer file.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(f.Name), escapeQuotes(name)))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

// localPath strips the file:// scheme device pickers hand out.
func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
