// Package registry tracks registered mail sources and their validation state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/parser"
	"github.com/poiesic/mailkb/storage"
	"github.com/poiesic/mailkb/storage/blob"
)

// List limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ErrUploadsDisabled indicates an upload without a configured upload store.
var ErrUploadsDisabled = errors.New("uploads are not configured")

// RegisterRequest describes a new source. Exactly one of Location and Upload
// must be set; UploadName supplies the file extension of an upload.
type RegisterRequest struct {
	Name       string
	Format     string
	Location   string
	Upload     io.Reader
	UploadName string
}

// Registry registers and validates sources.
type Registry struct {
	sources storage.SourceRepository
	jobs    storage.JobRepository
	parsers *parser.Set
	uploads storage.BlobStore
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithUploads enables uploaded archives stored through uploads.
func WithUploads(uploads storage.BlobStore) Option {
	return func(r *Registry) error {
		r.uploads = uploads
		return nil
	}
}

// New creates a registry validating sources with parsers.
func New(sources storage.SourceRepository, jobs storage.JobRepository, parsers *parser.Set, opts ...Option) (*Registry, error) {
	if sources == nil || jobs == nil || parsers == nil {
		return nil, fmt.Errorf("sources, jobs and parsers are required")
	}
	r := &Registry{
		sources: sources,
		jobs:    jobs,
		parsers: parsers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "registry")
	return r, nil
}

// Register saves a new source and validates it structurally.
//
// The returned source is either validated or invalid; an invalid source is
// not an error. Errors are reserved for requests that cannot be registered
// at all.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*core.Source, error) {
	const op = "register source"
	format, err := core.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}

	hasLocation := strings.TrimSpace(req.Location) != ""
	if hasLocation == (req.Upload != nil) {
		return nil, core.Errorf(core.KindValidationFailed, op, "exactly one of location or upload is required")
	}

	source := &core.Source{
		Name:     strings.TrimSpace(req.Name),
		Format:   format,
		Location: strings.TrimSpace(req.Location),
		Status:   core.SourceRegistered,
	}
	if req.Upload != nil {
		location, err := r.storeUpload(ctx, req)
		if err != nil {
			return nil, err
		}
		source.Location = location
		source.Uploaded = true
	}
	if err := core.ValidateSource(source); err != nil {
		return nil, err
	}

	if err := r.sources.CreateSource(ctx, source); err != nil {
		return nil, core.E(core.KindInfrastructure, op, err)
	}
	r.logger.Info("source registered", "source", source.ID, "format", source.Format, "uploaded", source.Uploaded)

	return r.applyValidation(ctx, source)
}

func (r *Registry) storeUpload(ctx context.Context, req RegisterRequest) (string, error) {
	const op = "store upload"
	if r.uploads == nil {
		return "", core.E(core.KindValidationFailed, op, ErrUploadsDisabled)
	}
	if blob.IsBlocked(req.UploadName) {
		return "", core.E(core.KindValidationFailed, op, storage.ErrBlockedExtension)
	}
	ref, size, err := r.uploads.Save(ctx, req.UploadName, req.Upload)
	if err != nil {
		if errors.Is(err, storage.ErrFileTooLarge) {
			return "", core.E(core.KindValidationFailed, op, err)
		}
		return "", core.E(core.KindInfrastructure, op, err)
	}
	path, err := r.uploads.Path(ref)
	if err != nil {
		return "", core.E(core.KindInfrastructure, op, err)
	}
	r.logger.Debug("upload stored", "ref", ref, "bytes", size)
	return path, nil
}

// Validate re-runs the structural check of a source.
// Refuses with core.ErrSourceBusy while the source has an active job.
func (r *Registry) Validate(ctx context.Context, id string) (*core.Source, error) {
	source, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	busy, err := r.jobs.HasActiveJobs(ctx, id)
	if err != nil {
		return nil, core.E(core.KindInfrastructure, "validate source", err)
	}
	if busy {
		return nil, core.E(core.KindValidationFailed, "validate source", core.ErrSourceBusy)
	}
	return r.applyValidation(ctx, source)
}

// applyValidation runs the parser check and persists the outcome.
func (r *Registry) applyValidation(ctx context.Context, source *core.Source) (*core.Source, error) {
	status, reason := core.SourceValidated, ""
	if err := r.parsers.Validate(ctx, source.Format, source.Location); err != nil {
		status, reason = core.SourceInvalid, validationReason(err)
	}
	if err := r.sources.UpdateSourceStatus(ctx, source.ID, status, reason); err != nil {
		return nil, core.E(core.KindInfrastructure, "validate source", err)
	}
	source.Status = status
	source.ValidationError = reason

	if status == core.SourceInvalid {
		r.logger.Warn("source failed validation", "source", source.ID, "reason", reason)
	} else {
		r.logger.Info("source validated", "source", source.ID)
	}
	return source, nil
}

// validationReason renders err for users, appending any remediation hint.
func validationReason(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) {
		reason := ce.Message
		if ce.Hint != "" {
			reason += "; " + ce.Hint
		}
		return core.Truncate(reason, core.MaxCauseLength*2)
	}
	return core.Truncate(err.Error(), core.MaxCauseLength*2)
}

// Get returns the source with id, or storage.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*core.Source, error) {
	source, err := r.sources.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("source %s: %w", id, storage.ErrNotFound)
		}
		return nil, core.E(core.KindInfrastructure, "get source", err)
	}
	return source, nil
}

// List returns sources newest first with the total count.
func (r *Registry) List(ctx context.Context, opts storage.ListOptions) ([]*core.Source, int64, error) {
	opts.Limit = ClampLimit(opts.Limit)
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	sources, total, err := r.sources.ListSources(ctx, opts)
	if err != nil {
		return nil, 0, core.E(core.KindInfrastructure, "list sources", err)
	}
	return sources, total, nil
}

// ClampLimit applies the default and maximum list sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
