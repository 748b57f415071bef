package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/fletcher"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
)

func main() {
	var (
		addr     = flag.String("addr", "localhost:31000", "服务器地址")
		uniqueID = flag.String("uid", "0A0B0C0D0E", "设备唯一ID(十六进制)")
		count    = flag.Int("n", 3, "发送的事件数")
		lat      = flag.Float64("lat", 22.5431, "纬度")
		lon      = flag.Float64("lon", 114.0579, "经度")
	)
	flag.Parse()

	uid, err := hex.DecodeString(*uniqueID)
	if err != nil {
		fmt.Printf("唯一ID无效: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Printf("连接失败: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("已连接到服务器: %s\n", conn.RemoteAddr())

	// 1. 唯一ID + N个事件 + 带校验值的EOB，作为一个数据块发送
	sum := fletcher.New()
	var block []byte
	add := func(t dmtp_protocol.PacketType, data []byte) {
		frame := protocol.Encode(protocol.NewClientPacket(t, data), dmtp_protocol.EncodingBinary)
		sum.Update(frame)
		block = append(block, frame...)
	}

	add(dmtp_protocol.ClientUniqueID, uid)
	now := time.Now()
	for i := 0; i < *count; i++ {
		add(dmtp_protocol.ClientFixedFmtStd, fixedEvent(now.Add(time.Duration(i)*time.Second), *lat, *lon, uint64(i)))
	}
	sum.Update([]byte{dmtp_protocol.HeaderBasic, byte(dmtp_protocol.ClientEOBDone), 2})
	cs := sum.Sum()
	block = append(block, protocol.Encode(protocol.NewClientPacket(dmtp_protocol.ClientEOBDone, cs[:]), dmtp_protocol.EncodingBinary)...)

	fmt.Printf("发送数据块(%d个事件): %X\n", *count, block)
	if _, err := conn.Write(block); err != nil {
		fmt.Printf("发送失败: %v\n", err)
		return
	}

	// 2. 读取服务器响应直到 EOT
	if err := readResponses(conn); err != nil {
		fmt.Printf("会话异常结束: %v\n", err)
		return
	}
	fmt.Println("模拟设备会话完成")
}

// fixedEvent 标准固定格式事件: 状态码(2) 时间(4) GPS(6) 速度(1) 方向(1) 海拔(2) 里程(3) 序号(1)
func fixedEvent(ts time.Time, lat, lon float64, seq uint64) []byte {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(dmtp_protocol.StatusLocation), 2)
	w.WriteUint(uint64(ts.Unix()), 4)
	w.WriteGPS(payload.NewGeoPoint(lat, lon), 6)
	w.WriteUint(0, 1)
	w.WriteUint(0, 1)
	w.WriteInt(0, 2)
	w.WriteUint(0, 3)
	w.WriteUint(seq&0xFF, 1)
	return w.Bytes()
}

func readResponses(conn net.Conn) error {
	var buf []byte
	chunk := make([]byte, 1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for {
			size := protocol.FrameLength(buf, dmtp_protocol.MaxPayloadLength+dmtp_protocol.MinHeaderLength)
			if size < 0 {
				return errors.New("响应帧过长")
			}
			if size == 0 {
				break
			}
			pkt, perr := protocol.ParseServer(buf[:size])
			buf = buf[size:]
			if perr != nil {
				fmt.Printf("无法解析的响应: %v\n", perr)
				continue
			}
			fmt.Printf("收到 %-20s %s\n", pkt.TypeName(), pkt.Format(dmtp_protocol.EncodingBinary))

			switch pkt.Type() {
			case dmtp_protocol.ServerEOT:
				return nil
			case dmtp_protocol.ServerEOBDone, dmtp_protocol.ServerEOBSpeakFreely:
				// 没有更多数据，回复空EOB
				eob := protocol.Encode(protocol.NewClientPacket(dmtp_protocol.ClientEOBDone, nil), dmtp_protocol.EncodingBinary)
				if _, werr := conn.Write(eob); werr != nil {
					return werr
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("服务器关闭了连接")
			}
			return err
		}
	}
}
