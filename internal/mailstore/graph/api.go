package graph

import (
	"context"
	"errors"
	"net/http"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/nhle/mailwatch/internal/mailstore"
)

// mailAPI is the subset of Microsoft Graph the client uses.
type mailAPI interface {
	ListMessages(ctx context.Context, user, folder, filter string, top int32) ([]models.Messageable, error)
	GetMessage(ctx context.Context, user, id string, fields []string, textBody bool) (models.Messageable, error)
	ListAttachments(ctx context.Context, user, messageID string) ([]models.Attachmentable, error)
	GetAttachment(ctx context.Context, user, messageID, attachmentID string) (models.Attachmentable, error)
	PatchMessage(ctx context.Context, user, id string, patch models.Messageable) error

	CreateSubscription(ctx context.Context, sub models.Subscriptionable) (models.Subscriptionable, error)
	RenewSubscription(ctx context.Context, id string, expires time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
}

// sdkAPI implements mailAPI with the Graph SDK.
type sdkAPI struct {
	client *msgraphsdk.GraphServiceClient
}

func newSDKAPI(client *msgraphsdk.GraphServiceClient) *sdkAPI {
	return &sdkAPI{client: client}
}

func (a *sdkAPI) ListMessages(
	ctx context.Context,
	user, folder, filter string,
	top int32,
) ([]models.Messageable, error) {
	cfg := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Select:  []string{"id"},
			Orderby: []string{"receivedDateTime"},
			Top:     &top,
		},
	}
	if filter != "" {
		cfg.QueryParameters.Filter = &filter
	}

	resp, err := a.client.Users().ByUserId(user).MailFolders().ByMailFolderId(folder).Messages().Get(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.GetValue(), nil
}

func (a *sdkAPI) GetMessage(
	ctx context.Context,
	user, id string,
	fields []string,
	textBody bool,
) (models.Messageable, error) {
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: fields,
		},
	}
	if textBody {
		headers := abstractions.NewRequestHeaders()
		headers.Add("Prefer", `outlook.body-content-type="text"`)
		cfg.Headers = headers
	}

	msg, err := a.client.Users().ByUserId(user).Messages().ByMessageId(id).Get(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return msg, nil
}

func (a *sdkAPI) ListAttachments(ctx context.Context, user, messageID string) ([]models.Attachmentable, error) {
	cfg := &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "size", "contentType"},
		},
	}
	resp, err := a.client.Users().ByUserId(user).Messages().ByMessageId(messageID).Attachments().Get(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.GetValue(), nil
}

func (a *sdkAPI) GetAttachment(
	ctx context.Context,
	user, messageID, attachmentID string,
) (models.Attachmentable, error) {
	att, err := a.client.Users().ByUserId(user).Messages().ByMessageId(messageID).
		Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return att, nil
}

func (a *sdkAPI) PatchMessage(ctx context.Context, user, id string, patch models.Messageable) error {
	_, err := a.client.Users().ByUserId(user).Messages().ByMessageId(id).Patch(ctx, patch, nil)
	return mapError(err)
}

func (a *sdkAPI) CreateSubscription(
	ctx context.Context,
	sub models.Subscriptionable,
) (models.Subscriptionable, error) {
	created, err := a.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return created, nil
}

func (a *sdkAPI) RenewSubscription(ctx context.Context, id string, expires time.Time) error {
	patch := models.NewSubscription()
	patch.SetExpirationDateTime(&expires)
	_, err := a.client.Subscriptions().BySubscriptionId(id).Patch(ctx, patch, nil)
	return mapError(err)
}

func (a *sdkAPI) DeleteSubscription(ctx context.Context, id string) error {
	return mapError(a.client.Subscriptions().BySubscriptionId(id).Delete(ctx, nil))
}

// mapError translates Graph status codes into the mailstore sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch odataErr.ResponseStatusCode {
		case http.StatusNotFound:
			return errors.Join(mailstore.ErrNotFound, err)
		case http.StatusConflict, http.StatusPreconditionFailed:
			return errors.Join(mailstore.ErrConflict, err)
		}
	}
	return err
}
