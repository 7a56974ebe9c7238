package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// maxAvatarSize はアバター画像として受け付けるContent-Lengthの上限。
const maxAvatarSize = 5 << 20

// AvatarValidator はプロフィールに登録するアバターURLを検証するインターフェース。
type AvatarValidator interface {
	// ValidateAvatarURL はURLがSSRF的に安全で、画像を返すことを確認する。
	ValidateAvatarURL(ctx context.Context, rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はアバターURLとして登録できないアドレス範囲。
// DNS解決後のアドレスはsafeurlのDialerが検証する。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", // RFC 1918
	"100.64.0.0/10", // CGNAT
	"127.0.0.0/8", "::1/128",
	"169.254.0.0/16", "fe80::/10", // メタデータIPを含む
	"0.0.0.0/8",
	"fc00::/7",
)

// blockedHostnames はIPを書かずに内部を指せるホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

// AvatarGuard はアバターURLを静的に検証した後、SSRF防止クライアントでHEADリクエストを送り、
// 画像を返すURLかを確認する。
type AvatarGuard struct {
	client *http.Client
	check  func(rawURL string) error
}

// NewAvatarGuard はtimeoutを上限に確認リクエストを送るAvatarGuardを生成する。
// クライアントはsafeurlにより80/443番ポートのhttp/httpsだけに接続し、
// DNS解決後のプライベートアドレスも拒否する。
func NewAvatarGuard(timeout time.Duration) *AvatarGuard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return &AvatarGuard{
		client: safeurl.Client(config).Client,
		check:  CheckURL,
	}
}

// ValidateAvatarURL はアバターURLを検証する。
func (g *AvatarGuard) ValidateAvatarURL(ctx context.Context, rawURL string) error {
	if err := g.check(rawURL); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("アバターURLが不正です: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("アバターURLに到達できません: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("アバターURLがステータス %d を返しました", resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("アバターURLが画像ではありません: %q", ct)
	}
	if resp.ContentLength > maxAvatarSize {
		return fmt.Errorf("アバター画像が大きすぎます: %d bytes", resp.ContentLength)
	}
	return nil
}

// CheckURL はDNS解決を伴わない静的な検証を行う。
// スキーム、ホスト名、IPリテラルを確認する。
func CheckURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLのパースに失敗しました: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("許可されていないスキームです: %q", scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("認証情報を含むURLは登録できません")
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("ホストがありません: %s", rawURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("ブロック対象のアドレスです: %s", ip)
			}
		}
		return nil
	}
	for _, blocked := range blockedHostnames {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("ブロック対象のホストです: %s", host)
		}
	}
	return nil
}
