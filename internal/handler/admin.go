package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"charityledger/config"
	"charityledger/internal/journal"
	"charityledger/internal/model"
	"charityledger/internal/service"
	"charityledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// PipelineControl 管理接口使用的流水线操作
type PipelineControl interface {
	Trigger() error
	Running() bool
	LastReport() *service.RunReport
}

// ChainInspector 链上只读查询
type ChainInspector interface {
	RootAddress() string
	RootBalance(ctx context.Context) (uint64, error)
	TotalSupply(ctx context.Context) (uint64, error)
	Stats() map[string]interface{}
}

// LedgerReader 账本只读查询
type LedgerReader interface {
	CountUnsettled(ctx context.Context) (map[string]int64, error)
	WalletByAddress(ctx context.Context, address string) (*model.Wallet, error)
}

// JournalLister 去重日志列表
type JournalLister interface {
	List() ([]journal.Entry, error)
}

// AdminHandler 管理后台处理器
type AdminHandler struct {
	cfg      *config.Config
	pipeline PipelineControl
	metrics  *service.PipelineMetrics
	ledger   LedgerReader
	journal  JournalLister
	chain    ChainInspector
}

// NewAdminHandler 创建处理器
func NewAdminHandler(cfg *config.Config, p PipelineControl, m *service.PipelineMetrics, ledger LedgerReader, j JournalLister, c ChainInspector) *AdminHandler {
	return &AdminHandler{cfg: cfg, pipeline: p, metrics: m, ledger: ledger, journal: j, chain: c}
}

// Login 管理员登录
func (h *AdminHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		util.ValidationError(c, "")
		return
	}

	if req.Username != h.cfg.Admin.Username || !util.CheckPassword(req.Password, h.cfg.Admin.PasswordHash) {
		log.Printf("Admin login failed for %q from %s", req.Username, c.ClientIP())
		util.Error(c, "用户名或密码错误")
		return
	}

	expireHour := h.cfg.JWT.ExpireHour
	if expireHour <= 0 {
		expireHour = 24
	}
	expireAt := time.Now().Add(time.Duration(expireHour) * time.Hour)

	// 生成JWT Token
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": req.Username,
		"exp":      expireAt.Unix(),
	})

	tokenString, err := token.SignedString([]byte(h.cfg.JWT.Secret))
	if err != nil {
		util.ServerError(c, "登录失败")
		return
	}

	util.Success(c, gin.H{
		"token":     tokenString,
		"expire_at": expireAt.Unix(),
		"username":  req.Username,
	})
}

// Pipeline 流水线状态, 最近一次运行报告和监控指标
func (h *AdminHandler) Pipeline(c *gin.Context) {
	data := gin.H{
		"running":     h.pipeline.Running(),
		"last_report": h.pipeline.LastReport(),
	}
	if h.metrics != nil {
		alert, reason := h.metrics.ShouldAlert(3 * h.cfg.Pipeline.IntervalDuration())
		data["metrics"] = h.metrics.GetMetrics()
		data["alert"] = gin.H{"alert": alert, "reason": reason}
	}
	util.Success(c, data)
}

// RunPipeline 手动触发一次运行
func (h *AdminHandler) RunPipeline(c *gin.Context) {
	if err := h.pipeline.Trigger(); err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			util.Conflict(c, "已有运行正在进行")
			return
		}
		util.ServerError(c, err.Error())
		return
	}
	log.Printf("Pipeline run triggered by %s", c.GetString("username"))
	util.SuccessWithMsg(c, "已触发", nil)
}

// Transactions 各类别未结算交易数
func (h *AdminHandler) Transactions(c *gin.Context) {
	counts, err := h.ledger.CountUnsettled(c.Request.Context())
	if err != nil {
		log.Printf("Failed to count unsettled transactions: %v", err)
		util.ServerError(c, "查询失败")
		return
	}
	util.Success(c, counts)
}

// Journal 去重日志中未完成的条目, 不含私钥
func (h *AdminHandler) Journal(c *gin.Context) {
	entries, err := h.journal.List()
	if err != nil {
		util.ServerError(c, err.Error())
		return
	}

	state := c.Query("state")
	list := make([]journal.Entry, 0, len(entries))
	for _, e := range entries {
		if state != "" && string(e.State) != state {
			continue
		}
		list = append(list, e.Redacted())
	}
	util.Success(c, list)
}

// Chain 发行方余额, 代币总量和RPC节点状态
func (h *AdminHandler) Chain(c *gin.Context) {
	ctx := c.Request.Context()

	balance, err := h.chain.RootBalance(ctx)
	if err != nil {
		util.ErrorWithCode(c, util.CodeChainError, "查询发行方余额失败: "+err.Error())
		return
	}
	supply, err := h.chain.TotalSupply(ctx)
	if err != nil {
		util.ErrorWithCode(c, util.CodeChainError, "查询代币总量失败: "+err.Error())
		return
	}

	util.Success(c, gin.H{
		"root_address": h.chain.RootAddress(),
		"root_balance": balance,
		"total_supply": supply,
		"rpc":          h.chain.Stats(),
	})
}

// WalletQRCode 钱包地址二维码 (PNG)
func (h *AdminHandler) WalletQRCode(c *gin.Context) {
	address := c.Param("address")

	if address != h.cfg.Wallets.Charity.Address && address != h.cfg.Wallets.Store.Address {
		if _, err := h.ledger.WalletByAddress(c.Request.Context(), address); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				util.NotFound(c, "钱包不存在")
				return
			}
			util.ServerError(c, "查询失败")
			return
		}
	}

	size, _ := strconv.Atoi(c.DefaultQuery("size", "256"))
	if size < 64 || size > 1024 {
		size = 256
	}

	png, err := util.GenerateQRCode(address, size)
	if err != nil {
		util.ServerError(c, "生成二维码失败")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
