package ips

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ips/internal/platform/auth"
	"github.com/ehr/ips/internal/platform/convert"
	"github.com/ehr/ips/internal/platform/envelope"
	"github.com/ehr/ips/internal/platform/fhir"
	"github.com/ehr/ips/pkg/ipsmodel"
	"github.com/ehr/ips/pkg/pagination"
)

const mimeOctetStream = "application/octet-stream"

// Handler serves the conversion, envelope and record endpoints. svc may be
// nil when no database is configured; the record routes are then not
// registered.
type Handler struct {
	svc    *Service
	conv   *convert.Converter
	env    *envelope.Envelope
	logger zerolog.Logger
}

func NewHandler(svc *Service, conv *convert.Converter, env *envelope.Envelope, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, conv: conv, env: env, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := auth.RequireRole("physician", "nurse")

	api.POST("/convert", h.Convert, clinical)
	api.POST("/parse/:format", h.Parse, clinical)
	api.POST("/render/:format", h.Render, clinical)

	env := api.Group("/envelope", clinical)
	env.POST("/encrypt-text", h.EncryptText)
	env.POST("/decrypt-text", h.DecryptText)
	env.POST("/encrypt-binary", h.EncryptBinary)
	env.POST("/decrypt-binary", h.DecryptBinary)
	env.POST("/gzip", h.Gzip)
	env.POST("/gunzip", h.Gunzip)
	env.POST("/gzip-encrypt", h.GzipEncrypt)
	env.POST("/decrypt-gunzip", h.DecryptGunzip)
	env.POST("/gzip-encrypt-text", h.GzipEncryptText)
	env.POST("/decrypt-gunzip-text", h.DecryptGunzipText)

	if h.svc == nil {
		return
	}
	records := api.Group("/ips", clinical)
	records.GET("", h.ListRecords)
	records.POST("", h.ImportRecord)
	records.GET("/:packageUuid", h.GetRecord)
	records.DELETE("/:packageUuid", h.DeleteRecord, auth.RequireRole("physician"))
}

// =========== Conversion ===========

// Convert decodes the body as ?from= and renders it as ?to=. An inbound
// envelope is opened first when ?unprotect= is set.
func (h *Handler) Convert(c echo.Context) error {
	from, err := convert.ParseFormat(c.QueryParam("from"))
	if err != nil {
		return h.fail(c, err)
	}
	to, err := convert.ParseFormat(c.QueryParam("to"))
	if err != nil {
		return h.fail(c, err)
	}
	opts, err := renderOptions(c)
	if err != nil {
		return h.fail(c, err)
	}
	rec, err := h.open(c, from, opts.Encoding)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.conv.Render(rec, to, opts)
	if err != nil {
		return h.fail(c, err)
	}
	return writePayload(c, to, opts, out)
}

// Parse returns the canonical JSON form of the body.
func (h *Handler) Parse(c echo.Context) error {
	format, err := convert.ParseFormat(c.Param("format"))
	if err != nil {
		return h.fail(c, err)
	}
	enc, err := envelope.ParseEncoding(c.QueryParam("encoding"))
	if err != nil {
		return h.fail(c, err)
	}
	rec, err := h.open(c, format, enc)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Render reads a canonical JSON record and renders it.
func (h *Handler) Render(c echo.Context) error {
	format, err := convert.ParseFormat(c.Param("format"))
	if err != nil {
		return h.fail(c, err)
	}
	opts, err := renderOptions(c)
	if err != nil {
		return h.fail(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return h.fail(c, err)
	}
	rec, err := h.conv.Convert(convert.FormatSchema, body)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.conv.Render(rec, format, opts)
	if err != nil {
		return h.fail(c, err)
	}
	return writePayload(c, format, opts, out)
}

// open reads the body, reverses ?unprotect= and decodes it.
func (h *Handler) open(c echo.Context, format convert.Format, enc envelope.Encoding) (*ipsmodel.Record, error) {
	prot, err := convert.ParseProtection(c.QueryParam("unprotect"))
	if err != nil {
		return nil, err
	}
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	return h.conv.Open(format, body, prot, enc)
}

// =========== Envelope ===========

func (h *Handler) EncryptText(c echo.Context) error {
	return h.textSeal(c, func(env *envelope.Envelope, body []byte, enc envelope.Encoding) (*envelope.Payload, error) {
		return env.EncryptText(body, enc)
	})
}

func (h *Handler) DecryptText(c echo.Context) error {
	return h.textOpen(c, func(env *envelope.Envelope, p *envelope.Payload, enc envelope.Encoding) ([]byte, error) {
		return env.DecryptText(p, enc)
	})
}

func (h *Handler) GzipEncryptText(c echo.Context) error {
	return h.textSeal(c, func(env *envelope.Envelope, body []byte, enc envelope.Encoding) (*envelope.Payload, error) {
		return env.CompressEncryptText(body, enc)
	})
}

func (h *Handler) DecryptGunzipText(c echo.Context) error {
	return h.textOpen(c, func(env *envelope.Envelope, p *envelope.Payload, enc envelope.Encoding) ([]byte, error) {
		s, err := env.DecryptDecompressText(p, enc)
		return []byte(s), err
	})
}

func (h *Handler) EncryptBinary(c echo.Context) error {
	return h.binary(c, mimeOctetStream, func(body []byte) ([]byte, error) {
		env, err := h.envelope()
		if err != nil {
			return nil, err
		}
		return env.EncryptBinary(body)
	})
}

func (h *Handler) DecryptBinary(c echo.Context) error {
	return h.binary(c, mimeOctetStream, func(body []byte) ([]byte, error) {
		env, err := h.envelope()
		if err != nil {
			return nil, err
		}
		return env.DecryptBinary(body)
	})
}

func (h *Handler) GzipEncrypt(c echo.Context) error {
	return h.binary(c, mimeOctetStream, func(body []byte) ([]byte, error) {
		env, err := h.envelope()
		if err != nil {
			return nil, err
		}
		return env.CompressEncrypt(body)
	})
}

func (h *Handler) DecryptGunzip(c echo.Context) error {
	return h.binary(c, echo.MIMETextPlainCharsetUTF8, func(body []byte) ([]byte, error) {
		env, err := h.envelope()
		if err != nil {
			return nil, err
		}
		s, err := env.DecryptDecompress(body)
		return []byte(s), err
	})
}

func (h *Handler) Gzip(c echo.Context) error {
	return h.binary(c, "application/gzip", envelope.Compress)
}

func (h *Handler) Gunzip(c echo.Context) error {
	return h.binary(c, mimeOctetStream, h.env.Decompress)
}

func (h *Handler) envelope() (*envelope.Envelope, error) {
	if h.env == nil {
		return nil, errors.Join(errors.New("ips: no encryption key configured"), ipsmodel.ErrCryptoFailure)
	}
	return h.env, nil
}

func (h *Handler) binary(c echo.Context, contentType string, fn func([]byte) ([]byte, error)) error {
	body, err := readBody(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := fn(body)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Blob(http.StatusOK, contentType, out)
}

func (h *Handler) textSeal(c echo.Context, fn func(*envelope.Envelope, []byte, envelope.Encoding) (*envelope.Payload, error)) error {
	env, err := h.envelope()
	if err != nil {
		return h.fail(c, err)
	}
	enc, err := envelope.ParseEncoding(c.QueryParam("encoding"))
	if err != nil {
		return h.fail(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return h.fail(c, err)
	}
	p, err := fn(env, body, enc)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) textOpen(c echo.Context, fn func(*envelope.Envelope, *envelope.Payload, envelope.Encoding) ([]byte, error)) error {
	env, err := h.envelope()
	if err != nil {
		return h.fail(c, err)
	}
	enc, err := envelope.ParseEncoding(c.QueryParam("encoding"))
	if err != nil {
		return h.fail(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return h.fail(c, err)
	}
	var p envelope.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return h.fail(c, errors.Join(err, ipsmodel.ErrMalformedInput))
	}
	out, err := fn(env, &p, enc)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, out)
}

// =========== Records ===========

// ImportRecord stores the body, merging into an existing record with the
// same package UUID. It answers 201 for a new record and 200 for a merge.
func (h *Handler) ImportRecord(c echo.Context) error {
	format, err := convert.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return h.fail(c, err)
	}
	enc, err := envelope.ParseEncoding(c.QueryParam("encoding"))
	if err != nil {
		return h.fail(c, err)
	}
	rec, err := h.open(c, format, enc)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.svc.ImportRecord(c.Request().Context(), rec)
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusCreated
	if res.Merged {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// ListRecords pages through stored summaries, optionally narrowed by
// ?family= and ?given= name prefixes.
func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, key := range []string{"family", "given"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}
	items, total, err := h.svc.List(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, pg, items, total))
}

// GetRecord returns the stored record as JSON, or rendered when ?format=
// is given.
func (h *Handler) GetRecord(c echo.Context) error {
	id := c.Param("packageUuid")
	if c.QueryParam("format") == "" {
		stored, err := h.svc.Get(c.Request().Context(), id)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(http.StatusOK, stored)
	}

	format, err := convert.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return h.fail(c, err)
	}
	opts, err := renderOptions(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.svc.Export(c.Request().Context(), id, format, opts)
	if err != nil {
		return h.fail(c, err)
	}
	return writePayload(c, format, opts, out)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("packageUuid")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// =========== Helpers ===========

func renderOptions(c echo.Context) (convert.RenderOptions, error) {
	var opts convert.RenderOptions
	var err error
	opts.Delimiter = c.QueryParam("delimiter")
	if opts.Transport, err = convert.ParseTransport(c.QueryParam("transport")); err != nil {
		return opts, err
	}
	if opts.Protection, err = convert.ParseProtection(c.QueryParam("protect")); err != nil {
		return opts, err
	}
	if opts.Encoding, err = envelope.ParseEncoding(c.QueryParam("encoding")); err != nil {
		return opts, err
	}
	return opts, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.Join(errors.New("ips: empty request body"), ipsmodel.ErrMalformedInput)
	}
	return body, nil
}

// writePayload picks the content type from the format, or from the
// envelope shape when the payload is protected.
func writePayload(c echo.Context, format convert.Format, opts convert.RenderOptions, out []byte) error {
	contentType := format.ContentType()
	if opts.Protection != convert.ProtectNone {
		contentType = mimeOctetStream
		if opts.Transport == convert.TransportQR {
			contentType = echo.MIMEApplicationJSON
		}
	}
	return c.Blob(http.StatusOK, contentType, out)
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ipsmodel.ErrMalformedInput), errors.Is(err, ipsmodel.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ipsmodel.ErrSizeBudgetExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ipsmodel.ErrCryptoFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an OperationOutcome.
func (h *Handler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	outcome := fhir.OutcomeForError(err)
	if errors.Is(err, ErrNotFound) {
		outcome = fhir.NotFoundOutcome("IPS", c.Param("packageUuid"))
	}
	return c.JSON(status, outcome)
}
