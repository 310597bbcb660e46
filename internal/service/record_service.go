package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-offline-sync/internal/dto"
	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
	"github.com/noah-isme/sma-offline-sync/pkg/objectid"
)

type recordStore interface {
	GetAll(ctx context.Context, entity models.EntityType, includeDeleted bool) ([]models.Record, error)
	Get(ctx context.Context, entity models.EntityType, id string) (*models.Record, error)
	Upsert(ctx context.Context, rec *models.Record) error
	MarkStatus(ctx context.Context, entity models.EntityType, id string, status models.RecordStatus) error
	Delete(ctx context.Context, entity models.EntityType, id string) error
}

type recordQueue interface {
	Enqueue(ctx context.Context, kind models.OperationKind, entity models.EntityType, entityID string, data json.RawMessage) (*models.EnqueueResult, error)
}

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RecordServiceOption configures the service.
type RecordServiceOption func(*RecordService)

// WithRecordEntities restricts writes to the given entity types.
func WithRecordEntities(entities []models.EntityType) RecordServiceOption {
	return func(s *RecordService) {
		if len(entities) == 0 {
			return
		}
		s.entities = make(map[models.EntityType]struct{}, len(entities))
		for _, e := range entities {
			s.entities[e] = struct{}{}
		}
	}
}

// WithRecordSession refreshes the pending counter after each write.
func WithRecordSession(session *Session) RecordServiceOption {
	return func(s *RecordService) {
		s.session = session
	}
}

// WithRecordIDGenerator overrides local id generation.
func WithRecordIDGenerator(gen func() string) RecordServiceOption {
	return func(s *RecordService) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// RecordService performs user-facing mutations: every write lands in the
// local store and the operation log in one transaction, online or not.
type RecordService struct {
	records   recordStore
	ops       recordQueue
	tx        transactor
	validator *validator.Validate
	logger    *zap.Logger
	session   *Session
	entities  map[models.EntityType]struct{}
	newID     func() string
}

// NewRecordService constructs the service.
func NewRecordService(records recordStore, ops recordQueue, tx transactor, validate *validator.Validate, logger *zap.Logger, opts ...RecordServiceOption) *RecordService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &RecordService{
		records:   records,
		ops:       ops,
		tx:        tx,
		validator: validate,
		logger:    logger,
		newID:     objectid.New,
	}
	svc.validator.RegisterValidation("objectid", func(fl validator.FieldLevel) bool {
		return objectid.IsValid(fl.Field().String())
	})
	WithRecordEntities(models.AllEntityTypes())(svc)
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

func (s *RecordService) entity(raw string) (models.EntityType, error) {
	entity, err := models.ParseEntityType(raw)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrUnsupportedEntity, err.Error())
	}
	if _, ok := s.entities[entity]; !ok {
		return "", appErrors.Clone(appErrors.ErrUnsupportedEntity, "entity "+raw+" is not synchronised")
	}
	return entity, nil
}

// List returns visible records of an entity type. Soft-deleted records are
// only included on request.
func (s *RecordService) List(ctx context.Context, rawEntity string, includeDeleted bool) ([]models.Record, error) {
	entity, err := s.entity(rawEntity)
	if err != nil {
		return nil, err
	}
	records, err := s.records.GetAll(ctx, entity, includeDeleted)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrStorage, err, "failed to read local records")
	}
	return records, nil
}

// Get returns one visible record.
func (s *RecordService) Get(ctx context.Context, rawEntity, id string) (*models.Record, error) {
	entity, err := s.entity(rawEntity)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, entity, id)
}

func (s *RecordService) visible(ctx context.Context, entity models.EntityType, id string) (*models.Record, error) {
	rec, err := s.records.Get(ctx, entity, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, string(entity)+" record not found")
		}
		return nil, appErrors.WrapAs(appErrors.ErrStorage, err, "failed to read local record")
	}
	if rec.Status == models.StatusPendingDeletion {
		return nil, appErrors.Clone(appErrors.ErrNotFound, string(entity)+" record not found")
	}
	return rec, nil
}

// Create stores a new record and queues its creation. A client-supplied id
// is kept if unused; otherwise a local id in the server's format is issued.
func (s *RecordService) Create(ctx context.Context, rawEntity string, payload json.RawMessage) (*models.Record, error) {
	entity, err := s.entity(rawEntity)
	if err != nil {
		return nil, err
	}
	if err := s.validate(entity, payload); err != nil {
		return nil, err
	}

	id := models.ExtractID(payload)
	if id == "" {
		id = s.newID()
	}
	doc, err := models.WithID(payload, id)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrValidation, err, "payload must be a JSON object")
	}

	rec := &models.Record{ID: id, Entity: entity, Status: models.StatusWaitingToSync, Payload: doc}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.records.Get(ctx, entity, id); err == nil {
			return appErrors.Clone(appErrors.ErrConflict, string(entity)+" record "+id+" already exists")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to read local record")
		}
		if err := s.records.Upsert(ctx, rec); err != nil {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to store record")
		}
		if _, err := s.ops.Enqueue(ctx, models.OperationCreate, entity, id, doc); err != nil {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to queue record creation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("record created locally", zap.String("entity", string(entity)), zap.String("id", id))
	s.refresh(ctx)
	return rec, nil
}

// Update replaces a record's payload and queues the change.
func (s *RecordService) Update(ctx context.Context, rawEntity, id string, payload json.RawMessage) (*models.Record, error) {
	entity, err := s.entity(rawEntity)
	if err != nil {
		return nil, err
	}
	if err := s.validate(entity, payload); err != nil {
		return nil, err
	}
	if other := models.ExtractID(payload); other != "" && other != id {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payload id does not match record id")
	}
	doc, err := models.WithID(payload, id)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrValidation, err, "payload must be a JSON object")
	}

	rec := &models.Record{ID: id, Entity: entity, Status: models.StatusWaitingToSync, Payload: doc}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.visible(ctx, entity, id); err != nil {
			return err
		}
		if err := s.records.Upsert(ctx, rec); err != nil {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to store record")
		}
		if _, err := s.ops.Enqueue(ctx, models.OperationUpdate, entity, id, doc); err != nil {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to queue record update")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refresh(ctx)
	return rec, nil
}

// Delete soft-deletes a record and queues the deletion. A record whose
// creation never reached the server is removed outright.
func (s *RecordService) Delete(ctx context.Context, rawEntity, id string) error {
	entity, err := s.entity(rawEntity)
	if err != nil {
		return err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.visible(ctx, entity, id); err != nil {
			return err
		}
		res, err := s.ops.Enqueue(ctx, models.OperationDelete, entity, id, nil)
		if err != nil {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to queue record deletion")
		}
		if res.Dropped {
			if err := s.records.Delete(ctx, entity, id); err != nil {
				return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to remove record")
			}
			return nil
		}
		if err := s.records.MarkStatus(ctx, entity, id, models.StatusPendingDeletion); err != nil {
			return appErrors.WrapAs(appErrors.ErrStorage, err, "failed to mark record deleted")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(ctx)
	return nil
}

func (s *RecordService) validate(entity models.EntityType, payload json.RawMessage) error {
	target, ok := dto.NewPayload(entity)
	if !ok {
		return appErrors.Clone(appErrors.ErrUnsupportedEntity, "no schema for "+string(entity))
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return appErrors.WrapAs(appErrors.ErrValidation, err, "invalid "+string(entity)+" payload")
	}
	if err := s.validator.Struct(target); err != nil {
		return appErrors.WrapAs(appErrors.ErrValidation, err, "invalid "+string(entity)+" payload")
	}
	return nil
}

func (s *RecordService) refresh(ctx context.Context) {
	if s.session == nil {
		return
	}
	if err := s.session.RefreshPending(ctx); err != nil {
		s.logger.Warn("refresh pending count", zap.Error(err))
	}
}
