// Package notify は保護者への紐付けリクエスト通知を提供する。
// 通知には承認画面へのディープリンク（rid付き）を含める。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/hitoshi/voicediary/internal/model"
)

// Notifier は新しい紐付けリクエストを保護者に通知する。
type Notifier interface {
	NotifyLinkRequest(ctx context.Context, req *model.LinkRequest, reviewURL string) error
}

// compile-time interface check
var (
	_ Notifier = (*SESNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

// sesAPI はSESNotifierが使用するSES v2 APIのサブセット。
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier はAmazon SES経由で通知メールを送信する。
type SESNotifier struct {
	client    sesAPI
	fromEmail string
	logger    *slog.Logger
}

// NewSESNotifier はAWSのデフォルト設定を読み込んでSESNotifierを生成する。
func NewSESNotifier(ctx context.Context, region, fromEmail string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("AWS設定の読み込みに失敗しました: %w", err)
	}
	logger.Info("email notifier enabled",
		slog.String("from", fromEmail),
		slog.String("region", region),
	)
	return newSESNotifier(sesv2.NewFromConfig(cfg), fromEmail, logger), nil
}

func newSESNotifier(client sesAPI, fromEmail string, logger *slog.Logger) *SESNotifier {
	return &SESNotifier{client: client, fromEmail: fromEmail, logger: logger}
}

// NotifyLinkRequest は保護者宛てに承認ページへのリンクを含むメールを送信する。
func (n *SESNotifier) NotifyLinkRequest(ctx context.Context, req *model.LinkRequest, reviewURL string) error {
	subject, text := composeMessage(req, reviewURL)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{req.ParentEmail},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(text),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	out, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("通知メールの送信に失敗しました: %w", err)
	}

	attrs := []any{slog.String("request_id", req.ID)}
	if out != nil && out.MessageId != nil {
		attrs = append(attrs, slog.String("message_id", *out.MessageId))
	}
	n.logger.Info("link request notification sent", attrs...)
	return nil
}

// LogNotifier はメール送信の代わりに通知内容をログに出力する。
// SES_FROM_EMAILが未設定の環境で使用する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyLinkRequest は通知内容をInfoレベルで記録する。
func (n *LogNotifier) NotifyLinkRequest(ctx context.Context, req *model.LinkRequest, reviewURL string) error {
	n.logger.InfoContext(ctx, "link request notification skipped (email disabled)",
		slog.String("request_id", req.ID),
		slog.String("parent_email", req.ParentEmail),
		slog.String("review_url", reviewURL),
	)
	return nil
}

// composeMessage は通知メールの件名と本文を組み立てる。
func composeMessage(req *model.LinkRequest, reviewURL string) (string, string) {
	name := strings.TrimSpace(req.ChildName)
	if name == "" {
		name = model.DefaultChildName
	}
	subject := fmt.Sprintf("%s さんから紐付けリクエストが届いています", name)

	var b strings.Builder
	fmt.Fprintf(&b, "%s（%s）さんから、保護者としての紐付けリクエストが届きました。\n\n", name, req.ChildEmail)
	if req.Note != "" {
		fmt.Fprintf(&b, "メッセージ: %s\n\n", req.Note)
	}
	fmt.Fprintf(&b, "以下のリンクから承認または拒否してください。\n%s\n", reviewURL)
	return subject, b.String()
}
