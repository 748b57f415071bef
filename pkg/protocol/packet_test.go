package protocol

import (
	"errors"
	"testing"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/payload"
	"github.com/bujia-iot/dmtp-zinx/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCode(t *testing.T, err error) dmtp_protocol.ServerErrorCode {
	t.Helper()
	require.Error(t, err)
	var pe *dmtp_protocol.ParseError
	require.True(t, errors.As(err, &pe), "应返回 ParseError: %v", err)
	return pe.Code
}

func stdEventPayload() []byte {
	w := payload.NewWriter(dmtp_protocol.MaxPayloadLength)
	w.WriteUint(uint64(dmtp_protocol.StatusLocation), 2)
	w.WriteUint(1700000000, 4)
	w.WriteGPS(payload.NewGeoPoint(34.05, -118.25), 6)
	w.WriteUint(0, 1)
	w.WriteUint(0, 1)
	w.WriteInt(0, 2)
	w.WriteUint(0, 3)
	w.WriteUint(1, 1)
	return w.Bytes()
}

func TestParse_BinaryRoundTrip(t *testing.T) {
	raw := []byte{0xE0, 0x30, 0x03, 0x01, 0x02, 0x03}
	p, err := ParseClient(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, dmtp_protocol.ClientFixedFmtStd, p.Type())
	assert.Equal(t, dmtp_protocol.EncodingBinary, p.Encoding())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, p.Payload())
	assert.Equal(t, dmtp_protocol.CategoryFixedEvent, p.Category())
	assert.NotNil(t, p.Template())
	assert.Equal(t, raw, Encode(p, dmtp_protocol.EncodingBinary))
}

func TestParse_ASCIIRoundTrip(t *testing.T) {
	data := []byte{0x00, 0xFF, 0x10, 0x7E, 0x2A, 0x0D, 0x24}
	encodings := []dmtp_protocol.Encoding{
		dmtp_protocol.EncodingHex,
		dmtp_protocol.EncodingHexCksum,
		dmtp_protocol.EncodingBase64,
		dmtp_protocol.EncodingBase64Cksum,
	}
	for _, enc := range encodings {
		t.Run(enc.String(), func(t *testing.T) {
			orig := NewClientPacket(dmtp_protocol.ClientDiagnostic, data)
			wire := Encode(orig, enc)
			assert.Equal(t, dmtp_protocol.AsciiStart, wire[0])
			assert.Equal(t, dmtp_protocol.AsciiEOL, wire[len(wire)-1])

			p, err := ParseClient(wire, nil)
			require.NoError(t, err)
			assert.Equal(t, enc, p.Encoding())
			assert.True(t, orig.Equal(p))
		})
	}
}

func TestParse_ChecksumMutation(t *testing.T) {
	orig := NewClientPacket(dmtp_protocol.ClientDiagnostic, []byte{0xF0, 0x01, 0x12, 0x34})
	wire := Encode(orig, dmtp_protocol.EncodingHexCksum)
	star := -1
	for i, c := range wire {
		if c == '*' {
			star = i
		}
	}
	require.Greater(t, star, 6)

	// 只改动载荷部分，保证帧头/类型仍可解析
	for i := 6; i < star; i++ {
		mutated := append([]byte(nil), wire...)
		if mutated[i] == '0' {
			mutated[i] = '1'
		} else {
			mutated[i] = '0'
		}
		_, err := ParseClient(mutated, nil)
		assert.Equal(t, dmtp_protocol.NakPacketChecksum, parseCode(t, err), "位置 %d", i)
	}

	assert.Equal(t, byte(0x75), Checksum([]byte("$E000")))
	p, err := ParseClient([]byte("$E000*75\r"), nil)
	require.NoError(t, err)
	assert.Equal(t, dmtp_protocol.EncodingBase64Cksum, p.Encoding())
	assert.Empty(t, p.Payload())
}

func TestParse_Failures(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		code dmtp_protocol.ServerErrorCode
	}{
		{"过短", []byte{0xE0, 0x30}, dmtp_protocol.NakPacketLength},
		{"二进制长度不符", []byte{0xE0, 0x30, 0x05, 0x01}, dmtp_protocol.NakPacketLength},
		{"未知帧头", []byte{0xAB, 0x30, 0x00}, dmtp_protocol.NakPacketHeader},
		{"ASCII帧头错误", []byte("$D130:00\r"), dmtp_protocol.NakPacketHeader},
		{"ASCII缺少类型", []byte("$E0\r"), dmtp_protocol.NakPacketLength},
		{"未知编码字符", []byte("$E030;00\r"), dmtp_protocol.NakPacketEncoding},
		{"十六进制非法", []byte("$E0D0:0G\r"), dmtp_protocol.NakPacketPayload},
		{"CSV无模板自定义类型", []byte("$E070,1,2\r"), dmtp_protocol.NakFormatNotRecognized},
		{"CSV无模板其他类型", []byte("$E0B5,1\r"), dmtp_protocol.NakPacketType},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ParseClient(tc.data, nil)
			assert.Equal(t, tc.code, parseCode(t, err))
			require.NotNil(t, p)
		})
	}

	p, err := ParseClient([]byte("$E070,1,2\r"), nil)
	require.Error(t, err)
	assert.Equal(t, dmtp_protocol.PacketType(0x70), p.Type())
	assert.Equal(t, dmtp_protocol.Ref(0xE0, 0x70), p.Ref())
}

func TestEncode_CSV(t *testing.T) {
	orig := NewClientPacket(dmtp_protocol.ClientFixedFmtStd, stdEventPayload())
	wire := Encode(orig, dmtp_protocol.EncodingCSV)
	assert.Equal(t, "$E030,0xF020,1700000000,34.0500,-118.2500,0,0x00,0,0,0x01\r", string(wire))

	p, err := ParseClient(wire, nil)
	require.NoError(t, err)
	assert.Equal(t, dmtp_protocol.EncodingCSV, p.Encoding())
	assert.Equal(t, orig.Payload(), p.Payload())

	// 带校验和
	wire = Encode(orig, dmtp_protocol.EncodingCSVCksum)
	p, err = ParseClient(wire, nil)
	require.NoError(t, err)
	assert.Equal(t, dmtp_protocol.EncodingCSVCksum, p.Encoding())
	assert.Equal(t, orig.Payload(), p.Payload())
}

func TestEncode_CSVCustomTemplate(t *testing.T) {
	cache := template.NewCache()
	nocache := NewClientPacket(0x70, []byte{0x01, 0x02})
	assert.Equal(t, "$E070=AQI=\r", string(Encode(nocache, dmtp_protocol.EncodingCSV)), "无模板退回base64")

	cache.Put(template.New(0x70, []template.Field{
		template.NewField(template.FieldStatusCode, false, 0, 2),
		template.NewField(template.FieldTempAvg, true, 0, 2),
	}, false))
	p, err := ParseClient([]byte("$E070,0xF020,-215\r"), cache)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0, 0x20, 0xFF, 0x29}, p.Payload())
	assert.Equal(t, "$E070,0xF020,-215\r", string(Encode(p, dmtp_protocol.EncodingCSV)))

	// 调用方指定模板优先于内置表
	override := template.New(dmtp_protocol.ClientFixedFmtStd, []template.Field{
		template.NewField(template.FieldSpeed, false, 0, 1),
	}, false)
	p, err = Parser{IsClient: true, Template: override}.Parse([]byte("$E030,7\r"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, p.Payload())
	assert.Same(t, override, p.Template())
}

func TestFrameLength(t *testing.T) {
	testCases := []struct {
		name string
		buf  []byte
		max  int
		want int
	}{
		{"空", nil, 0, 0},
		{"ASCII含CRLF", []byte("$E000\r\n$E001\r"), 0, 7},
		{"ASCII未结束", []byte("$E030:0102"), 0, 0},
		{"ASCII超长", []byte("$E030:0102030405"), 10, -1},
		{"二进制不完整", []byte{0xE0, 0x30, 0x02, 0x01}, 0, 0},
		{"二进制完整", []byte{0xE0, 0x30, 0x02, 0x01, 0x02, 0xE0}, 0, 5},
		{"二进制头不足", []byte{0xE0, 0x30}, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FrameLength(tc.buf, tc.max))
		})
	}

	assert.Equal(t, []byte("$E000\r"), SkipLineEnds([]byte("\n\r$E000\r")))
}

func TestServerPackets(t *testing.T) {
	assert.Equal(t, []byte{0xE0, 0xA0, 0x01, 0x01}, NewAck(1, 1).Bytes())
	assert.Equal(t, []byte{0xE0, 0xA0, 0x02, 0x01, 0x02}, NewAck(0x0102, 2).Bytes())
	assert.Equal(t, []byte{0xE0, 0xA0, 0x00}, NewAck(-1, 0).Bytes())
	assert.Equal(t, []byte{0xE0, 0xFF, 0x00}, NewEOT().Bytes())
	assert.Equal(t, []byte{0xE0, 0x00, 0x00}, NewEOBDone().Bytes())
	assert.Equal(t, []byte{0xE0, 0x01, 0x00}, NewEOBSpeakFreely().Bytes())

	errPkt := NewErrorPacket(dmtp_protocol.NakFormatNotRecognized, dmtp_protocol.Ref(0xE0, 0x70), nil)
	assert.Equal(t, []byte{0xE0, 0xE0, 0x04, 0xF4, 0x22, 0xE0, 0x70}, errPkt.Bytes())

	pe := dmtp_protocol.NewParseError(dmtp_protocol.NakDuplicateEvent, dmtp_protocol.Ref(0xE0, 0x30)).WithData([]byte{0x05})
	assert.Equal(t, []byte{0xF4, 0x32, 0xE0, 0x30, 0x05}, NewErrorPacketFrom(pe).Payload())
	assert.Equal(t, []byte{0xF1, 0x12, 0x00, 0x00}, NewErrorPacket(dmtp_protocol.NakPacketType, dmtp_protocol.PacketRef{}, nil).Payload())

	get := NewGetFile("fw.bin", 1024)
	assert.Equal(t, dmtp_protocol.ServerFileUpload, get.Type())
	assert.Equal(t, append([]byte{0x31, 0x00, 0x04, 0x00}, append([]byte("fw.bin"), 0)...), get.Payload())
	put := NewPutFile("log.txt")
	assert.Equal(t, []byte{0x41, 0x00, 0x00, 0x00}, put.Payload()[:4])

	set := NewSetProperty(dmtp_protocol.PropCommMaxConnections, EncodePropertyValues([]int64{8, 4, 60}, 1))
	assert.Equal(t, []byte{0xF3, 0x11, 0x08, 0x04, 0x3C}, set.Payload())
	assert.Equal(t, []byte{0xF1, 0x23}, NewGetProperty(dmtp_protocol.PropStateGPS, nil).Payload())

	// 服务器包可由模拟器解析
	p, err := ParseServer(NewAck(7, 1).Bytes())
	require.NoError(t, err)
	assert.False(t, p.IsClient())
	assert.Equal(t, dmtp_protocol.ServerAck, p.Type())
	assert.Equal(t, "$E0A0:07", p.Format(dmtp_protocol.EncodingHex))
	assert.Equal(t, "0xE0A00107", p.String())
}

func TestPacketList(t *testing.T) {
	var nilList *PacketList
	assert.True(t, nilList.IsEmpty())
	assert.Nil(t, nilList.Packets())

	l := NewPacketList()
	l.Add("a", NewEOT())
	l.Add("b", nil)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []string{"a"}, l.IDs())
}
