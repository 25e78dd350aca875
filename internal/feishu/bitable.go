package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devicefarm/orchestrator/internal/env"
)

const (
	defaultBitablePageSize = 200
	maxBitablePageSize     = 500
)

// bitablePageSize returns the list page size, overridable through
// FEISHU_BITABLE_PAGE_SIZE for tables with very wide rows.
func bitablePageSize() int {
	return env.Int("FEISHU_BITABLE_PAGE_SIZE", defaultBitablePageSize)
}

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

func isAllowedFeishuHost(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

// BitableRef captures identifiers parsed from a Feishu Bitable link.
type BitableRef struct {
	RawURL    string
	AppToken  string
	TableID   string
	ViewID    string
	WikiToken string
}

// IsBitableURL returns true if the url matches a supported Feishu Bitable link.
func IsBitableURL(raw string) bool {
	_, err := ParseBitableURL(raw)
	return err == nil
}

// ParseBitableURL extracts app token, table id and view id from Feishu Bitable links.
func ParseBitableURL(raw string) (BitableRef, error) {
	ref := BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}

	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Host) {
		return ref, fmt.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ref, errors.New("missing path segments in url")
	}

	for i := 0; i < len(segments)-1; i++ {
		switch segments[i] {
		case "base":
			ref.AppToken = segments[i+1]
		case "wiki":
			ref.WikiToken = segments[i+1]
		}
		if ref.AppToken != "" {
			break
		}
	}
	if ref.AppToken == "" && ref.WikiToken == "" {
		if len(segments) >= 2 && segments[0] == "wiki" {
			ref.WikiToken = segments[len(segments)-1]
		} else {
			ref.AppToken = segments[len(segments)-1]
		}
	}
	if ref.AppToken == "" && ref.WikiToken == "" {
		return ref, errors.New("missing app token or wiki token in url")
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}

	for _, key := range []string{"view", "viewId", "view_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.ViewID = v
			break
		}
	}

	return ref, nil
}

// ensureBitableAppToken resolves wiki links to the underlying bitable app token.
func (c *Client) ensureBitableAppToken(ctx context.Context, ref *BitableRef) error {
	if ref == nil {
		return errors.New("feishu: bitable reference is nil")
	}
	if strings.TrimSpace(ref.AppToken) != "" {
		return nil
	}
	if strings.TrimSpace(ref.WikiToken) == "" {
		return errors.New("feishu: bitable app token not found in url")
	}
	node, err := c.fetchWikiNode(ctx, ref.WikiToken)
	if err != nil {
		return err
	}
	if node.ObjToken == "" {
		return errors.New("feishu: wiki node response missing obj_token")
	}
	if node.ObjType != "bitable" {
		return fmt.Errorf("feishu: wiki node type %q is not bitable", node.ObjType)
	}
	ref.AppToken = node.ObjToken
	return nil
}

type bitableRecord struct {
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

func (c *Client) listBitableRecords(ctx context.Context, ref BitableRef, pageSize int) ([]bitableRecord, error) {
	if strings.TrimSpace(ref.AppToken) == "" {
		return nil, errors.New("feishu: bitable app token is empty")
	}
	if pageSize <= 0 {
		pageSize = bitablePageSize()
	}
	if pageSize > maxBitablePageSize {
		pageSize = maxBitablePageSize
	}

	basePath := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records", url.PathEscape(ref.AppToken), url.PathEscape(ref.TableID))
	values := url.Values{}
	values.Set("page_size", strconv.Itoa(pageSize))
	if ref.ViewID != "" {
		values.Set("view_id", ref.ViewID)
	}

	all := make([]bitableRecord, 0, pageSize)
	pageToken := ""

	for {
		values.Del("page_token")
		if pageToken != "" {
			values.Set("page_token", pageToken)
		}
		path := basePath
		if enc := values.Encode(); enc != "" {
			path = path + "?" + enc
		}

		_, raw, err := c.doJSONRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				Items     []bitableRecord `json:"items"`
				HasMore   bool            `json:"has_more"`
				PageToken string          `json:"page_token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("feishu: decode bitable records: %w", err)
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("feishu: list bitable records failed code=%d msg=%s", resp.Code, resp.Msg)
		}
		all = append(all, resp.Data.Items...)
		if !resp.Data.HasMore || strings.TrimSpace(resp.Data.PageToken) == "" {
			break
		}
		pageToken = resp.Data.PageToken
	}

	return all, nil
}

func (c *Client) createBitableRecord(ctx context.Context, ref BitableRef, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("feishu: no fields provided for creation")
	}
	if strings.TrimSpace(ref.AppToken) == "" {
		return "", errors.New("feishu: bitable app token is empty")
	}
	payload := map[string]any{"fields": fields}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records", url.PathEscape(ref.AppToken), url.PathEscape(ref.TableID))

	_, raw, err := c.doJSONRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Record bitableRecord `json:"record"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("feishu: decode create response: %w", err)
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("feishu: create record failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data.Record.RecordID == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return resp.Data.Record.RecordID, nil
}

func (c *Client) updateBitableRecord(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) error {
	if recordID == "" {
		return errors.New("feishu: record id is empty")
	}
	if len(fields) == 0 {
		return errors.New("feishu: no fields provided for update")
	}
	if strings.TrimSpace(ref.AppToken) == "" {
		return errors.New("feishu: bitable app token is empty")
	}
	payload := map[string]any{"fields": fields}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", url.PathEscape(ref.AppToken), url.PathEscape(ref.TableID), url.PathEscape(recordID))

	_, raw, err := c.doJSONRequest(ctx, http.MethodPut, path, payload)
	if err != nil {
		return err
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("feishu: decode update response: %w", err)
	}
	if resp.Code != 0 {
		return fmt.Errorf("feishu: update record failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

type wikiNodeInfo struct {
	ObjToken string `json:"obj_token"`
	ObjType  string `json:"obj_type"`
}

func (c *Client) fetchWikiNode(ctx context.Context, wikiToken string) (wikiNodeInfo, error) {
	var empty wikiNodeInfo
	if strings.TrimSpace(wikiToken) == "" {
		return empty, errors.New("feishu: wiki token is empty")
	}
	path := fmt.Sprintf("/open-apis/wiki/v2/spaces/get_node?token=%s", url.QueryEscape(wikiToken))
	_, raw, err := c.doJSONRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return empty, err
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Node wikiNodeInfo `json:"node"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return empty, fmt.Errorf("feishu: decode wiki node response: %w", err)
	}
	if resp.Code != 0 {
		return empty, fmt.Errorf("feishu: wiki get_node failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	return resp.Data.Node, nil
}

func addOptionalField(dst map[string]any, column, value string) {
	if strings.TrimSpace(column) == "" || strings.TrimSpace(value) == "" {
		return
	}
	dst[column] = value
}

func addOptionalNumber(dst map[string]any, column string, value *float64) {
	if strings.TrimSpace(column) == "" || value == nil {
		return
	}
	dst[column] = *value
}

func toString(value any) string {
	switch v := value.(type) {
	case json.Number:
		return v.String()
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		if math.Mod(v, 1) == 0 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []any:
		for _, item := range v {
			if str := toString(item); str != "" {
				return str
			}
		}
		return ""
	default:
		return ""
	}
}

func toTime(value any) *time.Time {
	switch v := value.(type) {
	case float64:
		ts := int64(v)
		if ts == 0 {
			return nil
		}
		t := time.UnixMilli(ts)
		return &t
	case int64:
		t := time.UnixMilli(v)
		return &t
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
			return &parsed
		}
	}
	return nil
}
