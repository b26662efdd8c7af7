package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"charityledger/internal/util"
)

// BotConfig 机器人通知配置
type BotConfig struct {
	TelegramToken  string
	TelegramChatID string
	DiscordWebhook string
	Timeout        time.Duration
}

// BotService 机器人通知服务, 发送运行摘要和记账缺口告警
type BotService struct {
	telegramToken  string
	telegramChatID string
	discordWebhook string
	telegramAPI    string
	client         *http.Client
	enabled        bool
	wg             sync.WaitGroup
}

// NewBotService 创建通知服务, 未配置任何渠道时为空操作
func NewBotService(cfg BotConfig) *BotService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BotService{
		telegramToken:  cfg.TelegramToken,
		telegramChatID: cfg.TelegramChatID,
		discordWebhook: cfg.DiscordWebhook,
		telegramAPI:    "https://api.telegram.org",
		client:         &http.Client{Timeout: timeout},
		enabled:        (cfg.TelegramToken != "" && cfg.TelegramChatID != "") || cfg.DiscordWebhook != "",
	}
}

// Enabled 是否配置了通知渠道
func (s *BotService) Enabled() bool {
	return s.enabled
}

// NotifyRun 有结算, 缺口或阶段错误时发送运行摘要
func (s *BotService) NotifyRun(r *RunReport) {
	if !s.enabled || r == nil {
		return
	}

	var lines []string
	interesting := false
	for _, st := range r.Stages {
		if st.Settled > 0 || st.Gap > 0 || st.Error != "" {
			interesting = true
		}
		if st.Eligible == 0 && st.Error == "" {
			continue
		}
		line := fmt.Sprintf("%s: %d/%d settled", st.Name, st.Settled, st.Eligible)
		if st.Retry > 0 {
			line += fmt.Sprintf(", %d retry", st.Retry)
		}
		if st.Deferred > 0 {
			line += fmt.Sprintf(", %d deferred", st.Deferred)
		}
		if st.Skipped > 0 {
			line += fmt.Sprintf(", %d skipped", st.Skipped)
		}
		if st.Gap > 0 {
			line += fmt.Sprintf(", %d gap", st.Gap)
		}
		if st.Error != "" {
			line += ", error: " + st.Error
		}
		lines = append(lines, line)
	}
	if !interesting {
		return
	}

	message := fmt.Sprintf("📊 *结算运行完成*\n\n耗时: %s\n%s", r.Duration().Round(time.Millisecond), strings.Join(lines, "\n"))
	color := 0x2ecc71 // 绿色
	if r.Gaps() > 0 {
		color = 0xe74c3c // 红色
	}
	s.dispatch("结算运行完成", message, color)
}

// NotifyGap 链上已生效但记账失败
func (s *BotService) NotifyGap(key, ref string, err error) {
	if !s.enabled {
		return
	}
	message := fmt.Sprintf("⚠️ *记账缺口*\n\n条目: %s\n引用: %s\n错误: %v", key, util.MaskAddress(ref), err)
	s.dispatch("记账缺口", message, 0xe74c3c)
}

// NotifySystemEvent 通知系统事件给管理员
func (s *BotService) NotifySystemEvent(message string) {
	if !s.enabled {
		return
	}
	s.dispatch("系统事件", message, 0x95a5a6) // 灰色
}

// Wait 等待已发出的通知完成
func (s *BotService) Wait() {
	s.wg.Wait()
}

func (s *BotService) dispatch(title, message string, color int) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sendTelegram(message)
	}()
	go func() {
		defer s.wg.Done()
		s.sendDiscord(title, message, color)
	}()
}

// sendTelegram 发送Telegram消息
func (s *BotService) sendTelegram(message string) {
	if s.telegramToken == "" || s.telegramChatID == "" {
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.telegramAPI, s.telegramToken)
	payload := map[string]interface{}{
		"chat_id":    s.telegramChatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	s.post(url, payload, "Telegram")
}

// sendDiscord 发送Discord消息
func (s *BotService) sendDiscord(title, message string, color int) {
	if s.discordWebhook == "" {
		return
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "CharityLedger",
				},
			},
		},
	}
	s.post(s.discordWebhook, payload, "Discord")
}

func (s *BotService) post(url string, payload interface{}, channel string) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Printf("%s marshal error: %v", channel, err)
		return
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		log.Printf("%s send error: %v", channel, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("%s response error: %s", channel, string(body))
	}
}
