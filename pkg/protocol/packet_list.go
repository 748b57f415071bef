package protocol

// PacketList 待下发的服务器包，每个包带有存储侧的ID，用于下发成功后清除
type PacketList struct {
	ids     []string
	packets []*Packet
}

// NewPacketList 创建空列表
func NewPacketList() *PacketList {
	return &PacketList{}
}

// Add 追加
func (l *PacketList) Add(id string, p *Packet) {
	if p == nil {
		return
	}
	l.ids = append(l.ids, id)
	l.packets = append(l.packets, p)
}

// Len 包数量
func (l *PacketList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.packets)
}

// IsEmpty nil 或没有包
func (l *PacketList) IsEmpty() bool {
	return l.Len() == 0
}

// Packets 包列表
func (l *PacketList) Packets() []*Packet {
	if l == nil {
		return nil
	}
	return l.packets
}

// IDs 存储侧ID
func (l *PacketList) IDs() []string {
	if l == nil {
		return nil
	}
	return l.ids
}
