/**
 * @description
 * This package provides a client for the tenant configuration service. The
 * settlement engine needs two pieces of per-tenant configuration: the platform
 * fee percentage and whether a security deposit is mandatory for confirmation.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package tenantclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TenantSettings is the per-tenant configuration the settlement engine reads.
type TenantSettings struct {
	TenantID                   string  `json:"tenant_id"`
	PlatformFeePercent         float64 `json:"platform_fee_percentage"`
	IsSecurityDepositMandatory bool    `json:"is_security_deposit_mandatory"`
	ConnectedAccountID         string  `json:"connected_account_id"`
}

// Client is a client for the tenant configuration service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new tenant configuration client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetTenantSettings fetches the settlement-relevant configuration for a tenant.
func (c *Client) GetTenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/tenants/"+tenantID+"/settings", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant settings request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute tenant settings request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant settings response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tenant service returned status %d for tenant %s", resp.StatusCode, tenantID)
	}

	var settings TenantSettings
	if err := json.Unmarshal(bodyBytes, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode tenant settings response: %w", err)
	}
	return &settings, nil
}
