// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ImageURLGuard は投稿画像URLのSSRF防止機能のインターフェースを定義する。
// Instagramへのコンテナ作成前の事前検証で使用される。
type ImageURLGuard interface {
	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error

	// Preflight はsafeurlクライアントでHEADリクエストを送り、
	// 公開された画像であることを確認する。
	Preflight(ctx context.Context, rawURL string) error
}

// ErrUnsafeImageURL は画像URLが安全でない場合に返される。
var ErrUnsafeImageURL = errors.New("unsafe image url")

// Instagramは公開されたhttpsの画像URLのみ取得できる。
var allowedSchemes = []string{"https"}

// blockedNetworks はパッケージ初期化時に1回だけパースする。
// DNS解決後のIPはsafeurlのDialerで検証される。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// キャリアグレードNAT (RFC 6598)
		"100.64.0.0/10",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル。クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

// imageGuard はImageURLGuardの実装。
type imageGuard struct {
	client *http.Client
}

// NewImageGuard はImageURLGuardを生成する。
// Preflightはtimeout内に完了しない場合エラーになる。
func NewImageGuard(timeout time.Duration) *imageGuard {
	return &imageGuard{client: newSafeClient(timeout)}
}

// newSafeClient はプライベートIP等への接続をDialerレベルで拒否するHTTPクライアントを生成する。
// DNS再バインディング攻撃にも対応する。
func newSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はスキーム、ホスト、IPアドレスを静的に検証する。
func (g *imageGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrUnsafeImageURL)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeImageURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("%w: disallowed scheme %q", ErrUnsafeImageURL, scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrUnsafeImageURL)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafeImageURL)
	}
	if port := parsed.Port(); port != "" && port != "443" {
		return fmt.Errorf("%w: disallowed port %s", ErrUnsafeImageURL, port)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: blocked IP address %s", ErrUnsafeImageURL, ip.String())
		}
		return nil
	}
	if isBlockedHostname(host) {
		return fmt.Errorf("%w: blocked host %s", ErrUnsafeImageURL, host)
	}
	return nil
}

// Preflight は静的検証の後、HEADリクエストで画像の存在とContent-Typeを確認する。
func (g *imageGuard) Preflight(ctx context.Context, rawURL string) error {
	if err := g.ValidateURL(rawURL); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeImageURL, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeImageURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d", ErrUnsafeImageURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return fmt.Errorf("%w: not an image (%s)", ErrUnsafeImageURL, ct)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return strings.HasSuffix(lower, ".localhost")
}

var _ ImageURLGuard = (*imageGuard)(nil)
