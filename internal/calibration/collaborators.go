package calibration

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// StaticDiscovery 由設定檔提供固定的音軌清單
type StaticDiscovery struct {
	Tracks []types.Track
}

// DiscoverTracks 回傳設定中的音軌；名稱重複時回傳錯誤
func (d StaticDiscovery) DiscoverTracks(ctx context.Context) (map[string]types.TrackID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]types.TrackID, len(d.Tracks))
	for _, tr := range d.Tracks {
		if _, dup := out[tr.Name]; dup {
			return nil, fmt.Errorf("duplicate track name %q", tr.Name)
		}
		out[tr.Name] = tr.ID
	}
	return out, nil
}

// CriticalSender 冗餘傳送通道（*messenger.Messenger 實作）
type CriticalSender interface {
	SendCriticalEvent(ev message.Event, dest netip.AddrPort) (uint32, error)
}

// MessageMixer 以 mixer/mute、mixer/unmute 訊息控制外部混音台橋接程式
//
// 兩者都是關鍵訊息：遺失的靜音會讓音軌在之後的探測中保持可聽見。
// 橋接端必須冪等地套用重複副本。
type MessageMixer struct {
	Sender CriticalSender
	Bridge netip.AddrPort
}

// Mute 送出 mixer/mute
func (m MessageMixer) Mute(ctx context.Context, trackName string) error {
	return m.send(ctx, message.MixerCommand{Mute: true, TrackName: trackName})
}

// Unmute 送出 mixer/unmute
func (m MessageMixer) Unmute(ctx context.Context, trackName string) error {
	return m.send(ctx, message.MixerCommand{Mute: false, TrackName: trackName})
}

func (m MessageMixer) send(ctx context.Context, cmd message.MixerCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.Sender.SendCriticalEvent(cmd, m.Bridge)
	return err
}
