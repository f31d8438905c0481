package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/notification"
)

// ErrReportNotFound 指定收件人当天的报表尚未生成
var ErrReportNotFound = errors.New("dispatch: report not found")

// ReportSource 外部生成的 PDF 报表，按 (external_user_id, tenant, date) 定位
type ReportSource interface {
	Open(ctx context.Context, externalUserID, tenantName, date string) (*notification.Attachment, error)
}

// DirReportSource 从目录读取 {dir}/{tenant}/{date}/{user}.pdf
type DirReportSource struct {
	dir string
}

// NewDirReportSource 创建目录报表来源
func NewDirReportSource(dir string) *DirReportSource {
	return &DirReportSource{dir: dir}
}

// Path 报表文件路径，路径分量中的分隔符会被替换
func (s *DirReportSource) Path(externalUserID, tenantName, date string) string {
	return filepath.Join(s.dir, safeSegment(tenantName), safeSegment(date), safeSegment(externalUserID)+".pdf")
}

func (s *DirReportSource) Open(_ context.Context, externalUserID, tenantName, date string) (*notification.Attachment, error) {
	if externalUserID == "" {
		return nil, fmt.Errorf("%w: missing external user id", ErrReportNotFound)
	}
	path := s.Path(externalUserID, tenantName, date)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return nil, fmt.Errorf("读取报表失败: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file %s", ErrReportNotFound, path)
	}
	return &notification.Attachment{
		Filename:    fmt.Sprintf("escalation-%s-%s.pdf", safeSegment(tenantName), date),
		ContentType: "application/pdf",
		Data:        data,
	}, nil
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}
