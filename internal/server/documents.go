package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/jobs"
	"github.com/aimerfeng/CampusRAG/internal/middleware"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// multipart framing allowance on top of the file size limit
const uploadOverhead = 1 << 20

// handleUploadDocument accepts a multipart upload (file, topic, optional
// metadata JSON object) and answers 202 with the queued job
func (s *APIServer) handleUploadDocument(c *gin.Context) {
	maxSize := s.config.Ingest.MaxFileSizeMB << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+uploadOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			respondError(c, apierrors.ErrPayloadTooLargeError)
			return
		}
		respondError(c, apierrors.NewValidationError("multipart field 'file' is required"))
		return
	}
	if fileHeader.Size > maxSize {
		respondError(c, apierrors.ErrPayloadTooLargeError)
		return
	}

	var metadata map[string]string
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			respondError(c, apierrors.NewValidationError("metadata must be a JSON object of strings"))
			return
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	defer file.Close()

	job, err := s.deps.Jobs.SubmitUpload(c.Request.Context(), jobs.UploadRequest{
		OwnerID:   middleware.GetUserIDFromContext(c),
		Filename:  fileHeader.Filename,
		MimeType:  fileHeader.Header.Get("Content-Type"),
		Topic:     c.PostForm("topic"),
		Metadata:  metadata,
		IPAddress: c.ClientIP(),
	}, file)
	if err != nil {
		if errors.Is(err, jobs.ErrFileTooLarge) {
			respondError(c, apierrors.ErrPayloadTooLargeError)
			return
		}
		respondServiceError(c, err, nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// handleDeleteDocument removes an indexed source by ?filename=&topic=
func (s *APIServer) handleDeleteDocument(c *gin.Context) {
	err := s.deps.Jobs.DeleteDocument(c.Request.Context(),
		middleware.GetUserIDFromContext(c), c.Query("filename"), c.Query("topic"))
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *APIServer) handleTopics(c *gin.Context) {
	topics, err := s.deps.Jobs.Topics(c.Request.Context(), middleware.GetUserIDFromContext(c))
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func (s *APIServer) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := s.deps.Jobs.List(c.Request.Context(), middleware.GetUserIDFromContext(c), jobs.ListFilter{
		Status: models.JobStatus(strings.ToUpper(c.Query("status"))),
		Topic:  c.Query("topic"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	if list == nil {
		list = []*models.IndexingJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

func (s *APIServer) handleJobStats(c *gin.Context) {
	stats, err := s.deps.Jobs.Stats(c.Request.Context(), middleware.GetUserIDFromContext(c))
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *APIServer) handleGetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.GetStatus(c.Request.Context(), id, middleware.GetUserIDFromContext(c))
	if err != nil {
		respondServiceError(c, err, apierrors.ErrJobNotFoundError)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleCancelJob answers 409 when the job is already terminal
func (s *APIServer) handleCancelJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.Cancel(c.Request.Context(), id, middleware.GetUserIDFromContext(c))
	if err != nil {
		respondServiceError(c, err, apierrors.ErrJobNotFoundError)
		return
	}
	c.JSON(http.StatusOK, job)
}

// jobID parses the :id path parameter. A malformed id is reported as not found.
func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrJobNotFoundError)
		return uuid.Nil, false
	}
	return id, true
}
