package api

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/parser"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/pipeline"
	util_io "github.com/ValerySidorin/ferry/pkg/util/io"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	submissionIDParam = "submission_id"
	// legacy clients name the submission after the company
	companyNameParam = "company_name"
	fileField        = "file"
)

type recordView struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	Field1    string    `json:"field1"`
	Field2    int64     `json:"field2"`
	Field3    string    `json:"field3"`
	CreatedAt time.Time `json:"created_at"`
	Format    string    `json:"format"`
}

// statusView also carries company_name, the submission id under its legacy name.
type statusView struct {
	SubmissionID string       `json:"submission_id"`
	CompanyName  string       `json:"company_name"`
	Status       string       `json:"status"`
	Format       string       `json:"format"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Records      []recordView `json:"records"`
}

func (a *API) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Data Integration Platform running"})
}

func (a *API) processHandler(c *gin.Context) {
	id := c.Query(submissionIDParam)
	if id == "" {
		id = c.Query(companyNameParam)
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "submission_id is required"})
		return
	}

	fh, err := c.FormFile(fileField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}

	format, err := ingest.FormatFromFilename(fh.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if a.cfg.MaxUploadBytes > 0 && fh.Size > a.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": pipeline.ErrPayloadTooLarge.Error()})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "can not read uploaded file"})
		return
	}
	defer f.Close()

	payload, err := util_io.ReadAllLimit(f, a.cfg.MaxUploadBytes)
	if err != nil {
		a.abortWithError(c, err)
		return
	}

	runID, err := a.submitter.Submit(c.Request.Context(), id, format, payload)
	if err != nil {
		a.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Processing started in background",
		"submission_id": id,
		"run_id":        runID,
	})
}

func (a *API) statusHandler(c *gin.Context) {
	snap, err := a.status.Snapshot(c.Request.Context(), c.Param(submissionIDParam))
	if err != nil {
		a.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newStatusView(snap))
}

func (a *API) validateHandler(c *gin.Context) {
	var format ingest.Format
	switch c.ContentType() {
	case "application/json":
		format = ingest.FormatJSON
	case "application/xml", "text/xml":
		format = ingest.FormatXML
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Unsupported or missing Content-Type. Use application/json or application/xml."})
		return
	}
	name := strings.ToUpper(format.String())

	body, err := util_io.ReadAllLimit(c.Request.Body, a.cfg.MaxUploadBytes)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " body is empty"})
		return
	}

	recs, err := parser.Parse(body, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + ": " + err.Error()})
		return
	}

	if err := a.validator.Validate(recs); err != nil {
		var ve *ingest.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "Invalid " + name + " structure: " + ve.Error(),
				"record": ve.Record,
				"field":  ve.Field,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Valid " + name})
}

func (a *API) abortWithError(c *gin.Context, err error) {
	switch {
	case ingest.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": ingest.ErrNotFound.Error()})
	case errors.Is(err, util_io.ErrTooLarge), errors.Is(err, pipeline.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": pipeline.ErrPayloadTooLarge.Error()})
	case errors.Is(err, pipeline.ErrEmptySubmissionID), ingest.IsUnsupportedFormat(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		level.Error(a.log).Log("msg", "request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func newStatusView(snap *record.Snapshot) statusView {
	return statusView{
		SubmissionID: snap.SubmissionID,
		CompanyName:  snap.SubmissionID,
		Status:       snap.Status.String(),
		Format:       snap.Format.String(),
		UpdatedAt:    snap.UpdatedAt,
		Records: lo.Map(snap.Records, func(rec *record.Record, _ int) recordView {
			return recordView{
				ID:        rec.ID,
				Status:    rec.Status.String(),
				Field1:    rec.Field1,
				Field2:    rec.Field2,
				Field3:    rec.Field3,
				CreatedAt: rec.CreatedAt,
				Format:    rec.Format.String(),
			}
		}),
	}
}
