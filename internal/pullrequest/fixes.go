package pullrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"handbook/api/internal/activity"
	"handbook/api/internal/domain"
	"handbook/api/internal/email"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

type FixRequestCommand struct {
	Title       string
	Description string
	Changes     []store.FixChange
}

func (c FixRequestCommand) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Title, validation.Required, validation.RuneLength(1, 255)),
		validation.Field(&c.Changes, validation.Required, validation.Each(validation.By(validateChange))),
	)
}

func validateChange(value interface{}) error {
	change, ok := value.(store.FixChange)
	if !ok {
		return errors.New("must be a change")
	}
	if change.VersionID <= 0 {
		return errors.New("version_id is required")
	}
	if change.Title == nil && change.Slug == nil && change.SidebarLabel == nil &&
		change.Description == nil && change.Position == nil && change.Content == nil {
		return errors.New("must propose at least one field")
	}
	if change.Title != nil && strings.TrimSpace(*change.Title) == "" {
		return errors.New("title cannot be blank")
	}
	if change.Slug != nil && strings.TrimSpace(*change.Slug) == "" {
		return errors.New("slug cannot be blank")
	}
	if change.Position != nil && *change.Position < 0 {
		return errors.New("position must be no less than 0")
	}
	return nil
}

// CreateFixRequest records changes a reviewer proposes to the author's
// drafts and returns the opaque token that identifies them.
func (s *Service) CreateFixRequest(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor, cmd FixRequestCommand) (store.FixRequest, error) {
	cmd.Title = strings.TrimSpace(cmd.Title)
	if err := domain.FromValidation(cmd.Validate()); err != nil {
		return store.FixRequest{}, err
	}
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.FixRequest{}, err
	}
	if !pr.Status.IsOpen() {
		return store.FixRequest{}, invalidStatus(pr)
	}
	if err := s.requireParticipant(ctx, org, pr, actor); err != nil {
		return store.FixRequest{}, err
	}

	var fix store.FixRequest
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		fix, err = s.store.InsertFixRequest(ctx, org, store.FixRequest{
			PullRequestID: pr.ID,
			UserID:        actor.UserID,
			Token:         uuid.NewString(),
			Title:         cmd.Title,
			Description:   cmd.Description,
			Changes:       cmd.Changes,
			Status:        store.FixPending,
			ExpiresAt:     s.now().Add(s.fixTTL),
		})
		if err != nil {
			return fmt.Errorf("insert fix request: %w", err)
		}
		_, _, err = s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionFixRequested)
		return err
	})
	if err != nil {
		return store.FixRequest{}, err
	}

	s.notifyAuthor(pr, fix)
	return fix, nil
}

func (s *Service) notifyAuthor(pr store.PullRequest, fix store.FixRequest) {
	if s.mailer == nil || !s.mailer.IsConfigured() || pr.AuthorEmail == "" {
		return
	}
	err := s.mailer.SendFixRequestEmail(pr.AuthorEmail, email.FixRequestData{
		PullRequestTitle: pr.Title,
		Title:            fix.Title,
		Description:      fix.Description,
		URL:              s.publicURL + "/fix-requests/" + fix.Token,
		ExpiresAt:        fix.ExpiresAt,
	})
	if err != nil {
		s.logger.Warn("send fix request email",
			zap.Int64("pull_request_id", pr.ID),
			zap.Int64("fix_request_id", fix.ID),
			zap.Error(err))
	}
}

type FixRequestDetail struct {
	FixRequest  store.FixRequest
	PullRequest store.PullRequest
}

func (s *Service) GetFixRequest(ctx context.Context, org store.OrgID, token string) (FixRequestDetail, error) {
	fix, err := s.loadFix(ctx, org, token)
	if err != nil {
		return FixRequestDetail{}, err
	}
	pr, err := s.load(ctx, org, fix.PullRequestID)
	if err != nil {
		return FixRequestDetail{}, err
	}
	return FixRequestDetail{FixRequest: fix, PullRequest: pr}, nil
}

// ApplyFixRequest writes the proposed values as new drafts on the pull
// request's branch. The pull request status does not change.
func (s *Service) ApplyFixRequest(ctx context.Context, org store.OrgID, token string, actor Actor) (FixRequestDetail, error) {
	fix, err := s.loadFix(ctx, org, token)
	if err != nil {
		return FixRequestDetail{}, err
	}
	if fix.Status == store.FixApplied {
		return FixRequestDetail{}, domain.DuplicateExecution("fix request %d was already applied", fix.ID)
	}
	pr, err := s.load(ctx, org, fix.PullRequestID)
	if err != nil {
		return FixRequestDetail{}, err
	}
	if !pr.Status.IsOpen() {
		return FixRequestDetail{}, invalidStatus(pr)
	}
	if pr.UserID != actor.UserID {
		if err := s.requireAdmin(ctx, org, actor); err != nil {
			return FixRequestDetail{}, err
		}
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		for _, change := range fix.Changes {
			target, err := s.fixTarget(ctx, org, pr, change.VersionID)
			if err != nil {
				return err
			}
			if _, err := s.versions.CreateVersion(ctx, org, versions.CreateCommand{
				EntityID: target.EntityID,
				Kind:     target.Kind,
				BranchID: pr.UserBranchID,
				Fields:   applyChange(versions.FieldsOf(target), change),
			}); err != nil {
				return err
			}
		}
		if err := s.store.MarkFixRequestApplied(ctx, org, fix.ID, s.now()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.DuplicateExecution("fix request %d was already applied", fix.ID)
			}
			return fmt.Errorf("mark fix request applied: %w", err)
		}
		_, _, err := s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionFixApplied)
		return err
	})
	if err != nil {
		return FixRequestDetail{}, err
	}

	fix.Status = store.FixApplied
	return FixRequestDetail{FixRequest: fix, PullRequest: pr}, nil
}

// fixTarget requires the version to still be the branch's current row for
// its entity.
func (s *Service) fixTarget(ctx context.Context, org store.OrgID, pr store.PullRequest, versionID int64) (store.Version, error) {
	v, err := s.store.GetVersion(ctx, org, versionID, store.IncludeDeleted)
	if errors.Is(err, store.ErrNotFound) {
		return store.Version{}, domain.TargetNotFound("version %d not found", versionID)
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("load version: %w", err)
	}
	current, err := s.store.CurrentBranchVersion(ctx, org, v.EntityID, pr.UserBranchID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (current.ID != v.ID || current.IsDeleted())) {
		return store.Version{}, domain.TargetNotFound("version %d is not a current draft of pull request %d", versionID, pr.ID)
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("load branch version: %w", err)
	}
	return current, nil
}

func applyChange(f versions.Fields, change store.FixChange) versions.Fields {
	if change.Title != nil {
		f.Title = *change.Title
	}
	if change.Slug != nil {
		f.Slug = *change.Slug
	}
	if change.SidebarLabel != nil {
		f.SidebarLabel = *change.SidebarLabel
	}
	if change.Description != nil {
		f.Description = *change.Description
	}
	if change.Position != nil {
		f.Position = *change.Position
	}
	if change.Content != nil {
		f.Content = *change.Content
	}
	return f
}

func (s *Service) loadFix(ctx context.Context, org store.OrgID, token string) (store.FixRequest, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.FixRequest{}, domain.NotFound("fix request not found")
	}
	fix, err := s.store.GetFixRequestByToken(ctx, org, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.FixRequest{}, domain.NotFound("fix request not found")
	}
	if err != nil {
		return store.FixRequest{}, fmt.Errorf("load fix request: %w", err)
	}
	if !s.now().Before(fix.ExpiresAt) {
		return store.FixRequest{}, domain.NotFound("fix request has expired")
	}
	return fix, nil
}
