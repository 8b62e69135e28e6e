package submission

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/pitabwire/officeflow/internal/invoker"
	"github.com/pitabwire/officeflow/model"
)

// Download is an attachment fetched from the backend.
type Download struct {
	FileName    string
	ContentType string
	Data        []byte
}

// ListAttachments returns the attachments stored for a record.
func (c *Coordinator) ListAttachments(ctx context.Context, rctx *model.RequestContext, recordID int64) ([]model.StoredAttachment, error) {
	if recordID <= 0 {
		return []model.StoredAttachment{}, model.NewBadRequestError("record id is required")
	}
	res, err := c.backend.Do(ctx, rctx, invoker.Request{
		Endpoint:   "attachment_list",
		Method:     http.MethodGet,
		Path:       c.endpoints.AttachmentList,
		PathParams: map[string]string{"id": strconv.FormatInt(recordID, 10)},
	})
	if err != nil {
		return []model.StoredAttachment{}, err
	}
	var list []model.StoredAttachment
	if err := res.Decode(&list); err != nil {
		return []model.StoredAttachment{}, fmt.Errorf("submission: decode attachment list: %w", err)
	}
	if list == nil {
		list = []model.StoredAttachment{}
	}
	return list, nil
}

// StoredCounts groups stored attachments by slot, the shape form
// validation expects for update mode.
func StoredCounts(list []model.StoredAttachment) map[string]int {
	out := make(map[string]int, len(list))
	for _, a := range list {
		out[a.Slot]++
	}
	return out
}

// DownloadAttachment fetches one attachment's content.
func (c *Coordinator) DownloadAttachment(ctx context.Context, rctx *model.RequestContext, attachmentID int64) (Download, error) {
	if attachmentID <= 0 {
		return Download{}, model.NewBadRequestError("attachment id is required")
	}
	res, err := c.backend.Do(ctx, rctx, invoker.Request{
		Endpoint:   "attachment_download",
		Method:     http.MethodGet,
		Path:       c.endpoints.AttachmentDownload,
		PathParams: map[string]string{"id": strconv.FormatInt(attachmentID, 10)},
		Headers:    map[string]string{"Accept": "*/*"},
	})
	if err != nil {
		return Download{}, err
	}

	d := Download{
		FileName:    "attachment-" + strconv.FormatInt(attachmentID, 10),
		ContentType: res.Header.Get("Content-Type"),
		Data:        res.Body,
	}
	if d.ContentType == "" {
		d.ContentType = "application/octet-stream"
	}
	if cd := res.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			d.FileName = params["filename"]
		}
	}
	return d, nil
}
