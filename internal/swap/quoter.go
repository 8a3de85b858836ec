package swap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

const (
	// CodeQuoteFailed 表示报价服务不可用或返回了无法使用的报价。
	CodeQuoteFailed xerrors.Code = "SWAP_QUOTE_FAILED"

	defaultTimeout     = 10 * time.Second
	defaultSlippageBps = 50
)

func init() {
	xerrors.Register(CodeQuoteFailed, xerrors.Attributes{
		Message:   "swap quote failed",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryNetwork,
		Retryable: true,
	})
}

// QuoteRequest 描述一次兑换报价请求。Taker 是会话在输入链上的地址。
type QuoteRequest struct {
	Chain        ledger.Chain
	InputSymbol  string
	OutputSymbol string
	Amount       decimal.Decimal
	Taker        string
}

// Quote 是报价服务返回的结果。Payload 是预构建的交易，由会话签名后提交。
type Quote struct {
	Chain        ledger.Chain    `json:"chain"`
	InputSymbol  string          `json:"input_symbol"`
	OutputSymbol string          `json:"output_symbol"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	OutputAmount decimal.Decimal `json:"output_amount"`
	// Router 是交易的接收方，同时用于白名单检查。
	Router    string    `json:"router"`
	Payload   []byte    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Quoter 是外部报价服务的抽象。
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// Config 描述 HTTP 报价客户端。
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	SlippageBps int
}

// Client 通过 HTTP 调用报价聚合服务。
type Client struct {
	baseURL     string
	apiKey      string
	slippageBps int
	httpClient  *http.Client
	now         func() time.Time
}

// NewClient 根据配置创建报价客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未配置报价服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		slippageBps: slippage,
		httpClient:  &http.Client{Timeout: timeout},
		now:         time.Now,
	}, nil
}

type quotePayload struct {
	Chain        string `json:"chain"`
	InputSymbol  string `json:"input_symbol"`
	OutputSymbol string `json:"output_symbol"`
	Amount       string `json:"amount"`
	Taker        string `json:"taker"`
	SlippageBps  int    `json:"slippage_bps"`
}

type quoteResponse struct {
	InputAmount  string    `json:"input_amount"`
	OutputAmount string    `json:"output_amount"`
	Router       string    `json:"router"`
	Transaction  string    `json:"transaction"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Quote 实现 Quoter。
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	body, err := json.Marshal(quotePayload{
		Chain:        string(req.Chain),
		InputSymbol:  strings.ToUpper(req.InputSymbol),
		OutputSymbol: strings.ToUpper(req.OutputSymbol),
		Amount:       req.Amount.String(),
		Taker:        req.Taker,
		SlippageBps:  c.slippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化报价请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quote", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构建报价请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteFailed, err, "请求报价服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeQuoteFailed,
			fmt.Sprintf("报价服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	var decoded quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeQuoteFailed, err, "解析报价响应失败")
	}
	return c.toQuote(req, decoded)
}

func (c *Client) toQuote(req QuoteRequest, decoded quoteResponse) (*Quote, error) {
	input, err := ledger.ParseAmount(decoded.InputAmount)
	if err != nil || !input.IsPositive() {
		return nil, xerrors.New(CodeQuoteFailed, fmt.Sprintf("报价输入数量无效: %q", decoded.InputAmount))
	}
	output, err := ledger.ParseAmount(decoded.OutputAmount)
	if err != nil || !output.IsPositive() {
		return nil, xerrors.New(CodeQuoteFailed, fmt.Sprintf("报价输出数量无效: %q", decoded.OutputAmount))
	}
	if strings.TrimSpace(decoded.Router) == "" {
		return nil, xerrors.New(CodeQuoteFailed, "报价缺少路由地址")
	}
	payload, err := base64.StdEncoding.DecodeString(decoded.Transaction)
	if err != nil || len(payload) == 0 {
		return nil, xerrors.New(CodeQuoteFailed, "报价缺少有效的预构建交易")
	}
	if !decoded.ExpiresAt.IsZero() && !decoded.ExpiresAt.After(c.now()) {
		return nil, xerrors.New(CodeQuoteFailed, "报价已过期")
	}
	return &Quote{
		Chain:        req.Chain,
		InputSymbol:  strings.ToUpper(req.InputSymbol),
		OutputSymbol: strings.ToUpper(req.OutputSymbol),
		InputAmount:  input,
		OutputAmount: output,
		Router:       strings.TrimSpace(decoded.Router),
		Payload:      payload,
		ExpiresAt:    decoded.ExpiresAt,
	}, nil
}
