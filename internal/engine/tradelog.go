package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stockscout/internal/observ"
)

// TradeRecord is one immutable trade-log line. An OPEN record is written
// when a position opens; a CLOSED record with exit fields and a lesson
// when it exits. Records are never rewritten.
type TradeRecord struct {
	ID         string         `json:"id"`
	Ticker     string         `json:"ticker"`
	Shares     int64          `json:"shares"`
	EntryPrice float64        `json:"entry_price"`
	ExitPrice  float64        `json:"exit_price,omitempty"`
	StopLoss   float64        `json:"stop_loss"`
	Target     float64        `json:"target"`
	Status     PositionStatus `json:"status"`
	EntryTime  time.Time      `json:"entry_time"`
	ExitTime   *time.Time     `json:"exit_time,omitempty"`
	PnLPct     float64        `json:"pnl_pct,omitempty"`
	Confidence int            `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Lesson     string         `json:"lesson,omitempty"`
}

// TradeLog appends trade records as JSON lines. Append-only by
// construction: the file is opened O_APPEND so a concurrent dashboard
// reader can tail it safely.
type TradeLog struct {
	mu   sync.Mutex
	path string
}

func NewTradeLog(path string) (*TradeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &TradeLog{path: path}, nil
}

// Append writes one record.
func (l *TradeLog) Append(r TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal trade record: %w", err)
	}
	if _, err := fmt.Fprintln(f, string(data)); err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	observ.IncCounter("trade_records_total", map[string]string{"status": string(r.Status)})
	return nil
}

// ReadAll returns every record in append order. A missing file is an
// empty log.
func (l *TradeLog) ReadAll() ([]TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	var records []TradeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r TradeRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("parse trade record: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trade log: %w", err)
	}
	return records, nil
}

// Performance summarizes the closed trades in the log.
type Performance struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate_pct"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWinPct    float64 `json:"avg_win_pct"`
	AvgLossPct   float64 `json:"avg_loss_pct"`
	TotalPnLPct  float64 `json:"total_pnl_pct"`
}

// Performance derives win rate, profit factor, and average win/loss from
// the closed records. Profit factor is gross wins over gross losses; with
// no losing trades yet it reads as zero rather than infinity.
func (l *TradeLog) Performance() (Performance, error) {
	records, err := l.ReadAll()
	if err != nil {
		return Performance{}, err
	}

	var p Performance
	var grossWin, grossLoss float64
	var winPct, lossPct float64
	for _, r := range records {
		if r.Status != PositionClosed {
			continue
		}
		p.Trades++
		p.TotalPnLPct += r.PnLPct
		if r.PnLPct >= 0 {
			p.Wins++
			grossWin += r.PnLPct
			winPct += r.PnLPct
		} else {
			p.Losses++
			grossLoss += -r.PnLPct
			lossPct += r.PnLPct
		}
	}
	if p.Trades > 0 {
		p.WinRate = float64(p.Wins) / float64(p.Trades) * 100
	}
	if grossLoss > 0 {
		p.ProfitFactor = grossWin / grossLoss
	}
	if p.Wins > 0 {
		p.AvgWinPct = winPct / float64(p.Wins)
	}
	if p.Losses > 0 {
		p.AvgLossPct = lossPct / float64(p.Losses)
	}
	return p, nil
}
