package transcribe

import (
	"strings"

	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

// NormalizeSimplified rewrites traditional Chinese characters to their
// simplified forms across segment and word text. Recognizers sometimes
// emit traditional glyphs for zh audio; downstream text matching and
// subtitle correction assume simplified throughout.
func NormalizeSimplified(t subtitle.Transcript) subtitle.Transcript {
	for i := range t.Segments {
		t.Segments[i].Text = toSimplified(t.Segments[i].Text)
		for j := range t.Segments[i].Words {
			t.Segments[i].Words[j].Text = toSimplified(t.Segments[i].Words[j].Text)
		}
	}
	return t
}

func toSimplified(s string) string {
	var b strings.Builder
	changed := false
	for _, r := range s {
		if sim, ok := trad2simp[r]; ok {
			if !changed {
				b.Grow(len(s))
			}
			changed = true
			b.WriteRune(sim)
			continue
		}
		b.WriteRune(r)
	}
	if !changed {
		return s
	}
	return b.String()
}

// trad2simp covers the high-frequency characters that appear in zh ASR
// output. Not a full conversion table; rare characters pass through.
var trad2simp = map[rune]rune{
	'愛': '爱', '罷': '罢', '備': '备', '筆': '笔', '畢': '毕', '邊': '边', '變': '变', '別': '别',
	'賓': '宾', '産': '产', '產': '产', '嘗': '尝', '車': '车', '徹': '彻', '塵': '尘', '稱': '称',
	'遲': '迟', '齒': '齿', '處': '处', '傳': '传', '創': '创', '從': '从', '達': '达', '帶': '带',
	'單': '单', '當': '当', '黨': '党', '導': '导', '燈': '灯', '點': '点', '電': '电', '動': '动',
	'東': '东', '獨': '独', '斷': '断', '隊': '队', '對': '对', '兒': '儿', '爾': '尔', '發': '发',
	'飯': '饭', '飛': '飞', '費': '费', '豐': '丰', '風': '风', '婦': '妇', '復': '复', '該': '该',
	'蓋': '盖', '幹': '干', '個': '个', '給': '给', '貢': '贡', '構': '构', '購': '购', '觀': '观',
	'廣': '广', '歸': '归', '國': '国', '過': '过', '還': '还', '漢': '汉', '號': '号', '後': '后',
	'華': '华', '話': '话', '歡': '欢', '環': '环', '會': '会', '機': '机', '積': '积', '幾': '几',
	'際': '际', '繼': '继', '價': '价', '間': '间', '見': '见', '將': '将', '講': '讲', '腳': '脚',
	'較': '较', '階': '阶', '節': '节', '結': '结', '進': '进', '經': '经', '舊': '旧', '舉': '举',
	'據': '据', '開': '开', '課': '课', '塊': '块', '寬': '宽', '來': '来', '蘭': '兰', '藍': '蓝',
	'勞': '劳', '樂': '乐', '類': '类', '裡': '里', '裏': '里', '禮': '礼', '歷': '历', '麗': '丽',
	'連': '连', '聯': '联', '臉': '脸', '練': '练', '糧': '粮', '兩': '两', '輛': '辆', '療': '疗',
	'鄰': '邻', '臨': '临', '靈': '灵', '領': '领', '龍': '龙', '樓': '楼', '錄': '录', '陸': '陆',
	'羅': '罗', '馬': '马', '買': '买', '賣': '卖', '滿': '满', '夢': '梦', '們': '们', '門': '门',
	'麵': '面', '滅': '灭', '鳴': '鸣', '難': '难', '鳥': '鸟', '農': '农', '歐': '欧', '盤': '盘',
	'賠': '赔', '貧': '贫', '評': '评', '齊': '齐', '氣': '气', '錢': '钱', '強': '强', '牆': '墙',
	'橋': '桥', '親': '亲', '輕': '轻', '請': '请', '窮': '穷', '區': '区', '權': '权', '勸': '劝',
	'確': '确', '讓': '让', '熱': '热', '認': '认', '軟': '软', '殺': '杀', '傷': '伤', '設': '设',
	'聲': '声', '勝': '胜', '師': '师', '詩': '诗', '時': '时', '實': '实', '識': '识', '試': '试',
	'壽': '寿', '書': '书', '術': '术', '樹': '树', '數': '数', '雙': '双', '誰': '谁', '順': '顺',
	'說': '说', '絲': '丝', '鬆': '松', '雖': '虽', '歲': '岁', '孫': '孙', '態': '态', '談': '谈',
	'湯': '汤', '題': '题', '體': '体', '條': '条', '鐵': '铁', '聽': '听', '頭': '头', '圖': '图',
	'團': '团', '萬': '万', '為': '为', '偉': '伟', '衛': '卫', '溫': '温', '聞': '闻', '問': '问',
	'無': '无', '務': '务', '誤': '误', '習': '习', '戲': '戏', '細': '细', '現': '现', '鄉': '乡',
	'響': '响', '項': '项', '寫': '写', '謝': '谢', '興': '兴', '選': '选', '學': '学', '壓': '压',
	'煙': '烟', '鹽': '盐', '顏': '颜', '陽': '阳', '樣': '样', '藥': '药', '頁': '页', '業': '业',
	'葉': '叶', '醫': '医', '藝': '艺', '億': '亿', '憶': '忆', '義': '义', '議': '议', '陰': '阴',
	'銀': '银', '應': '应', '營': '营', '擁': '拥', '優': '优', '郵': '邮', '遊': '游', '魚': '鱼',
	'與': '与', '語': '语', '預': '预', '園': '园', '員': '员', '圓': '圆', '遠': '远', '願': '愿',
	'約': '约', '雲': '云', '運': '运', '雜': '杂', '災': '灾', '載': '载', '則': '则', '擇': '择',
	'責': '责', '戰': '战', '張': '张', '趙': '赵', '這': '这', '針': '针', '陣': '阵', '證': '证',
	'隻': '只', '紙': '纸', '質': '质', '鐘': '钟', '種': '种', '眾': '众', '週': '周', '豬': '猪',
	'專': '专', '轉': '转', '裝': '装', '資': '资', '總': '总', '組': '组', '縱': '纵', '鑽': '钻',
}
