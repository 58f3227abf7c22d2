package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/remote"
	"github.com/tutordesk/tutordesk/client/internal/store"
)

// Downloader pulls the authoritative full set of each entity type from the
// remote service and replaces the corresponding local table contents.
type Downloader struct {
	repo   *store.Repository
	remote remote.Service
}

// NewDownloader creates a Downloader.
func NewDownloader(repo *store.Repository, svc remote.Service) *Downloader {
	return &Downloader{repo: repo, remote: svc}
}

// DownloadAll refreshes every entity table from the server.
func (d *Downloader) DownloadAll(ctx context.Context) error {
	return d.DownloadAllWithProgress(ctx, nil)
}

// DownloadAllWithProgress refreshes every entity table from the server,
// invoking onProgress after each entity type completes. Types are fetched
// in a fixed order; each table replace is one transaction, so readers see
// fully-old or fully-new contents per type. A failure on one type aborts
// the run without rolling back types already replaced: the store is left
// partially refreshed and the watermarks do not advance.
func (d *Downloader) DownloadAllWithProgress(ctx context.Context, onProgress func(Progress)) error {
	total := len(models.AllEntityTypes)

	for i, t := range models.AllEntityTypes {
		records, err := d.remote.FetchAll(ctx, t)
		if err != nil {
			logging.Warn("Download aborted", map[string]interface{}{
				"entity_type": t,
				"replaced":    i,
				"error":       err.Error(),
			})
			return errors.Wrap(errors.ErrDownloadFailed, fmt.Sprintf("fetching %s", t), err)
		}

		if err := d.repo.ReplaceRecords(t, records); err != nil {
			return errors.Wrap(errors.ErrDownloadFailed, fmt.Sprintf("replacing %s", t), err)
		}

		logging.Debug("Replaced entity table", map[string]interface{}{
			"entity_type": t,
			"count":       len(records),
		})

		if onProgress != nil {
			onProgress(Progress{
				TotalEntityTypes: total,
				CurrentIndex:     i + 1,
				Label:            string(t),
			})
		}
	}

	now := time.Now().UnixMilli()
	if err := d.repo.SetWatermark(store.MetaLastSync, now); err != nil {
		return errors.Wrap(errors.ErrDownloadFailed, "advancing last_sync watermark", err)
	}
	if err := d.repo.SetWatermark(store.MetaLastFullDownload, now); err != nil {
		return errors.Wrap(errors.ErrDownloadFailed, "advancing last_full_download watermark", err)
	}

	logging.Info("Full download completed", map[string]interface{}{"entity_types": total})
	return nil
}
