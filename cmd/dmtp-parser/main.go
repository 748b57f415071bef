package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"github.com/bujia-iot/dmtp-zinx/pkg/protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
)

// frameParser 在多次输入之间保留自定义模板
type frameParser struct {
	server    bool
	templates *template.Cache
}

func main() {
	var (
		interactive = flag.Bool("i", false, "进入交互模式")
		hexData     = flag.String("hex", "", "要解析的十六进制帧")
		asciiData   = flag.String("ascii", "", "要解析的ASCII帧，例如 '$E030=...'")
		server      = flag.Bool("server", false, "按服务器包解析")
	)
	flag.Parse()

	fp := &frameParser{server: *server, templates: template.NewCache()}

	switch {
	case *interactive:
		fp.runInteractive()
	case *hexData != "":
		fp.parseInput(*hexData)
	case *asciiData != "":
		fp.parseInput(*asciiData)
	default:
		fmt.Println("DMTP协议解析工具")
		fmt.Println("用法:")
		fmt.Println("  dmtp-parser -hex <十六进制帧>      - 解析二进制帧")
		fmt.Println("  dmtp-parser -ascii <ASCII帧>       - 解析ASCII帧")
		fmt.Println("  dmtp-parser -i                     - 进入交互模式，自定义格式定义会被记住")
		fmt.Println("  加 -server 按服务器包解析")
		fmt.Println("\n示例:")
		fmt.Println("  dmtp-parser -hex e011050a0b0c0d0e")
		fmt.Println("  dmtp-parser -ascii '$E011:0A0B0C0D0E'")
	}
}

func (fp *frameParser) runInteractive() {
	fmt.Println("DMTP协议解析工具 - 交互模式")
	fmt.Println("输入十六进制或以 $ 开头的ASCII帧，输入 'exit' 或 'quit' 退出")
	fmt.Println("----------------------------------------")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "exit" || input == "quit" {
			break
		}
		if input == "" {
			continue
		}
		fp.parseInput(input)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "读取输入失败: %v\n", err)
	}
}

// toFrame ASCII帧补上行尾，其余按十六进制解码
func toFrame(input string) ([]byte, error) {
	if strings.HasPrefix(input, "$") {
		return []byte(strings.TrimRight(input, "\r\n") + "\r"), nil
	}
	clean := strings.NewReplacer(" ", "", "0x", "", "0X", "").Replace(input)
	return hex.DecodeString(clean)
}

func (fp *frameParser) parseInput(input string) {
	data, err := toFrame(input)
	if err != nil {
		fmt.Printf("输入无效: %v\n", err)
		return
	}

	// 一次输入可以包含多个帧
	for len(data) > 0 {
		data = protocol.SkipLineEnds(data)
		if len(data) == 0 {
			return
		}
		n := protocol.FrameLength(data, dmtp_protocol.MaxPayloadLength+dmtp_protocol.MinHeaderLength)
		if n <= 0 {
			fmt.Printf("帧不完整或过长: %X\n", data)
			return
		}
		fp.printFrame(data[:n])
		data = data[n:]
	}
}

func (fp *frameParser) printFrame(frame []byte) {
	fmt.Println("========================================")
	pkt, err := protocol.Parser{IsClient: !fp.server, Custom: fp.templates}.Parse(frame)
	if err != nil {
		fmt.Printf("解析失败: %v\n", err)
		return
	}

	fmt.Printf("包类型:   0x%02X (%s)\n", byte(pkt.Type()), pkt.TypeName())
	fmt.Printf("编码:     %s\n", pkt.Encoding())
	fmt.Printf("载荷长度: %d\n", pkt.PayloadLength())
	fmt.Printf("载荷:     %X\n", pkt.Payload())
	fmt.Printf("二进制帧: %s\n", pkt.Format(dmtp_protocol.EncodingBinary))
	if fp.server {
		return
	}
	fmt.Printf("分类:     %s\n", pkt.Category())

	switch {
	case pkt.Category() == dmtp_protocol.CategoryFormatDef:
		tmpl, err := template.ParseDefinition(pkt.Payload())
		if err != nil {
			fmt.Printf("格式定义无效: %v\n", err)
			return
		}
		fp.templates.Put(tmpl)
		fmt.Printf("已记住自定义模板: %s\n", tmpl)
	case pkt.Category().IsEvent():
		if tmpl := pkt.Template(); tmpl != nil {
			fmt.Printf("模板:     %s\n", tmpl)
		}
		ev, err := event.Decoder{Templates: fp.templates}.Decode(pkt, "")
		if err != nil {
			fmt.Printf("事件解码失败: %v\n", err)
			return
		}
		fmt.Println("事件:")
		for _, k := range ev.Keys() {
			v, _ := ev.Get(k)
			fmt.Printf("  %-16s %v\n", k, v)
		}
	}
}
