// ============================================================================
// Trackprobe Send Pool - 背景傳送工作池
// ============================================================================
//
// Package: internal/messenger
// 文件: send_pool.go
// 功能: 以固定數量的 goroutine 執行實際的 socket 寫入
//
// 設計模式:
//   Worker Pool 模式：
//   1. 固定數量的 sender goroutine 持續運行
//   2. 通過共享的 taskCh 分發「單一副本」的傳送任務
//   3. 任務完成時呼叫 task.done 回報結果（取代 resultCh）
//
//   ┌────────────┐   submit()    ┌──────────┐
//   │ Messenger  │ ────────────> │  taskCh  │ ──> sender 0..N-1 ──> Transport.Send
//   └────────────┘  (不阻塞)      └──────────┘
//
// 並發控制:
//   - submit 在讀鎖下做非阻塞寫入，佇列滿時立即回傳 ErrQueueFull
//   - stop 取得寫鎖後才標記 stopped，之後不會再有任務進入 taskCh
//   - taskCh 不關閉；sender 以 stopCh 結束，避免 send on closed channel
//   - stop 結束後把仍在佇列中的任務以 ErrClosed 完成，Flush 不會卡住
//
// ============================================================================

package messenger

import (
	"context"
	"sync"
)

// sendTask 一個副本的傳送任務
type sendTask struct {
	send func(ctx context.Context) error
	done func(err error)
}

// sendPool 背景傳送工作池
type sendPool struct {
	taskCh  chan sendTask
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// newSendPool 建立並啟動工作池
//
// 參數：
//   - workers: sender goroutine 數量
//   - queueSize: 任務佇列緩衝大小
func newSendPool(workers, queueSize int) *sendPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &sendPool{
		taskCh: make(chan sendTask, queueSize),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// submit 提交任務；不阻塞
func (p *sendPool) submit(task sendTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *sendPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.taskCh:
			task.done(task.send(p.ctx))
		}
	}
}

// stop 停止所有 sender 並以 ErrClosed 完成剩餘任務
func (p *sendPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()

	for {
		select {
		case task := <-p.taskCh:
			task.done(ErrClosed)
		default:
			return
		}
	}
}
