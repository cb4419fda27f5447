package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// envelope 服务端统一响应结构
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type sweepResult struct {
	Unlocked  int64     `json:"unlocked"`
	CheckedAt time.Time `json:"checkedAt"`
}

// apiClient 时间胶囊服务的最小客户端
type apiClient struct {
	http  *resty.Client
	token string
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &apiClient{http: c}
}

// login 以邮箱密码登录并保存访问令牌
func (c *apiClient) login(ctx context.Context, email, password string) error {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&env).
		SetError(&env).
		Post("/v1/auth/login")
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("login failed (%d): %s", resp.StatusCode(), env.Msg)
	}

	var data struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if data.AccessToken == "" {
		return fmt.Errorf("login response has no access token")
	}
	c.token = data.AccessToken
	return nil
}

// sweep 触发一次解锁扫描
func (c *apiClient) sweep(ctx context.Context) (*sweepResult, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetResult(&env).
		SetError(&env).
		Post("/v1/capsules/check-status")
	if err != nil {
		return nil, fmt.Errorf("sweep request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sweep failed (%d): %s", resp.StatusCode(), env.Msg)
	}

	var result sweepResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("decode sweep response: %w", err)
	}
	return &result, nil
}

// ready 查询就绪检查
func (c *apiClient) ready(ctx context.Context) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("full", "1").
		Get("/health/ready")
	if err != nil {
		return "", fmt.Errorf("health request: %w", err)
	}
	if resp.IsError() {
		return resp.String(), fmt.Errorf("service not ready (%d)", resp.StatusCode())
	}
	return resp.String(), nil
}
