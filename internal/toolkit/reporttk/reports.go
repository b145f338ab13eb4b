// Package reporttk is the report-generation toolkit. Report requests
// go to the reporting service, which renders and delivers them out of
// band; the tool returns the request id for tracking.
package reporttk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/implementos/agentd/internal/tool"
	"github.com/implementos/agentd/internal/toolkit"
)

// Kinds of report the service can render.
const (
	KindSales     = "sales"
	KindInventory = "inventory"
	KindClients   = "clients"
)

// Toolkit exposes report generation as tools.
type Toolkit struct {
	client *toolkit.Client
}

// New creates the report toolkit over the reporting service client.
func New(client *toolkit.Client) *Toolkit {
	return &Toolkit{client: client}
}

// Name implements toolkit.Toolkit.
func (t *Toolkit) Name() string { return "reports" }

type requestInput struct {
	Kind   string `json:"kind" enum:"sales,inventory,clients" jsonschema_description:"Which report to generate"`
	From   string `json:"from" jsonschema_description:"Period start, YYYY-MM-DD, inclusive"`
	To     string `json:"to" jsonschema_description:"Period end, YYYY-MM-DD, exclusive"`
	Format string `json:"format,omitempty" enum:"pdf,markdown" jsonschema_description:"Output format, default pdf"`
}

type statusInput struct {
	RequestID string `json:"request_id" jsonschema_description:"Id returned by request_report"`
}

// RegisterAll implements toolkit.Toolkit.
func (t *Toolkit) RegisterAll(reg *tool.Registry) error {
	request, err := tool.New("request_report",
		"Ask the reporting service to generate a report for a period.",
		tool.EffectExternalWrite, t.request)
	if err != nil {
		return err
	}
	status, err := tool.New("report_status",
		"Check whether a requested report is ready and get its download link.",
		tool.EffectRead, t.status)
	if err != nil {
		return err
	}

	for _, s := range []*tool.Spec{request, status} {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolkit) request(ctx context.Context, rc *tool.Context, in requestInput) (string, error) {
	format := in.Format
	if format == "" {
		format = "pdf"
	}
	body := map[string]string{
		"kind":         in.Kind,
		"from":         in.From,
		"to":           in.To,
		"format":       format,
		"requested_by": rc.UserID,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := t.client.PostJSON(ctx, "/v1/reports", body, &resp); err != nil {
		return "", fmt.Errorf("report request: %w", err)
	}
	out, err := json.Marshal(map[string]any{"ok": true, "request_id": resp.ID})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *Toolkit) status(ctx context.Context, _ *tool.Context, in statusInput) (string, error) {
	var resp struct {
		Status string `json:"status"`
		URL    string `json:"url,omitempty"`
	}
	if err := t.client.GetJSON(ctx, "/v1/reports/"+in.RequestID, nil, &resp); err != nil {
		return "", fmt.Errorf("report status: %w", err)
	}
	out, err := json.Marshal(map[string]any{"ok": true, "status": resp.Status, "url": resp.URL})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
