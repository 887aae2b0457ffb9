// Package gdrive mirrors consultation summaries into a Google Drive folder.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// sessionProperty tags each document with its session so a restarted
// process finds it again instead of creating a duplicate.
const sessionProperty = "consultSessionId"

// Syncer keeps one Drive document per session. Regenerating a summary
// replaces the document's contents in place.
type Syncer struct {
	service  *drive.Service
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	raw, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSONWithTypeAndParams(ctx, raw, google.ServiceAccount,
		google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return newSyncer(ctx, folderID, option.WithCredentials(creds))
}

func newSyncer(ctx context.Context, folderID string, opts ...option.ClientOption) (*Syncer, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Syncer{service: svc, folderID: folderID, fileIDs: make(map[string]string)}, nil
}

func (s *Syncer) Mirror(ctx context.Context, sessionID, date, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileID, ok := s.fileIDs[sessionID]
	if !ok {
		var err error
		if fileID, err = s.find(ctx, sessionID); err != nil {
			return err
		}
	}

	if fileID != "" {
		_, err := s.service.Files.Update(fileID, &drive.File{}).
			Media(strings.NewReader(text)).Context(ctx).Do()
		if err == nil {
			s.fileIDs[sessionID] = fileID
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("drive update %s: %w", fileID, err)
		}
		// Someone removed the document; write a fresh one.
		delete(s.fileIDs, sessionID)
	}

	doc, err := s.service.Files.Create(&drive.File{
		Name:          fmt.Sprintf("consultation-%s-%s", date, sessionID),
		MimeType:      "application/vnd.google-apps.document",
		Parents:       []string{s.folderID},
		AppProperties: map[string]string{sessionProperty: sessionID},
	}).Media(strings.NewReader(text)).Fields("id").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}
	s.fileIDs[sessionID] = doc.Id
	return nil
}

func (s *Syncer) find(ctx context.Context, sessionID string) (string, error) {
	q := fmt.Sprintf("appProperties has { key='%s' and value='%s' } and '%s' in parents and trashed = false",
		sessionProperty, quote(sessionID), quote(s.folderID))
	list, err := s.service.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive lookup: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func quote(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
