package consumer

import (
	"context"
	"encoding/json"
	"strconv"

	"notibridge/internal/bridge"
	"notibridge/internal/source"
)

// identityParams addresses one notification, either by platform key or by
// the {sourceApplicationId, id, tag} composite. Extra record fields are
// ignored so consumers can echo a received record back.
type identityParams struct {
	Key   string  `json:"key" validate:"required_without=AppID"`
	AppID string  `json:"sourceApplicationId" validate:"required_without=Key"`
	ID    *int    `json:"id" validate:"required_with=AppID"`
	Tag   *string `json:"tag"`
}

func (p identityParams) identity() source.Identity {
	id := source.Identity{Key: p.Key, AppID: p.AppID}
	if p.ID != nil {
		id.ID = *p.ID
	}
	if p.Tag != nil {
		id.Tag = *p.Tag
	}
	return id
}

type enabledParams struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type sendTestParams struct {
	Title string `json:"title" validate:"required"`
	Body  string `json:"body"`
}

type launchParams struct {
	ApplicationID string `json:"applicationId" validate:"required"`
}

type noParams struct{}

func (d *Dispatcher) removeNotification(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var p identityParams
	if err := d.decode(MethodRemoveNotification, raw, &p, bridge.KindInvalidKey); err != nil {
		return nil, "", err
	}
	id := p.identity()
	return nil, id.Canonical(), d.cmds.RemoveNotification(ctx, id)
}

func (d *Dispatcher) setRetractOnForward(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var p enabledParams
	if err := d.decode(MethodSetRetractOnForward, raw, &p, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	return nil, strconv.FormatBool(*p.Enabled), d.cmds.SetRetractOnForward(ctx, *p.Enabled)
}

func (d *Dispatcher) requestPermission(ctx context.Context, raw json.RawMessage) (any, string, error) {
	if err := d.decode(MethodRequestPermission, raw, &noParams{}, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	ok, err := d.cmds.RequestPermission(ctx)
	return ok, "", err
}

func (d *Dispatcher) isPermissionGranted(ctx context.Context, raw json.RawMessage) (any, string, error) {
	if err := d.decode(MethodIsPermissionGranted, raw, &noParams{}, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	ok, err := d.cmds.PermissionGranted()
	return ok, "", err
}

func (d *Dispatcher) setListening(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var p enabledParams
	if err := d.decode(MethodSetListening, raw, &p, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	return d.cmds.SetListening(*p.Enabled), strconv.FormatBool(*p.Enabled), nil
}

func (d *Dispatcher) sendTest(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var p sendTestParams
	if err := d.decode(MethodSendTest, raw, &p, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	ok, err := d.cmds.SendTest(ctx, p.Title, p.Body)
	return ok, p.Title, err
}

func (d *Dispatcher) clearAll(ctx context.Context, raw json.RawMessage) (any, string, error) {
	if err := d.decode(MethodClearAll, raw, &noParams{}, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	n, err := d.cmds.ClearAll(ctx)
	return nil, strconv.Itoa(n) + " notifications", err
}

func (d *Dispatcher) executeAction(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var p identityParams
	if err := d.decode(MethodExecuteAction, raw, &p, bridge.KindInvalidKey); err != nil {
		return nil, "", err
	}
	id := p.identity()
	ok, err := d.cmds.ExecuteAction(ctx, id)
	return ok, id.Canonical(), err
}

func (d *Dispatcher) launchApplication(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var p launchParams
	if err := d.decode(MethodLaunchApplication, raw, &p, bridge.KindInvalidArgument); err != nil {
		return nil, "", err
	}
	ok, err := d.cmds.LaunchApplication(ctx, p.ApplicationID)
	return ok, p.ApplicationID, err
}

func (d *Dispatcher) getPolicy(ctx context.Context, raw json.RawMessage) (any, string, error) {
	return d.cmds.Policy(), "", nil
}
