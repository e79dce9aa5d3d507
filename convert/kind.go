package convert

import (
	"strings"

	"github.com/dhcgn/mail-to-pdf/model"
)

// Kind groups attachment types that share a conversion chain.
type Kind string

const (
	KindPDF          Kind = "pdf"
	KindImage        Kind = "image"
	KindDocument     Kind = "document"
	KindPresentation Kind = "presentation"
	KindSpreadsheet  Kind = "spreadsheet"
	KindText         Kind = "text"
	KindCSV          Kind = "csv"
	KindHTML         Kind = "html"
	KindCalendar     Kind = "calendar"
	KindMessage      Kind = "message"
	KindOther        Kind = "other"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{
	KindPDF, KindImage, KindDocument, KindPresentation, KindSpreadsheet,
	KindText, KindCSV, KindHTML, KindCalendar, KindMessage, KindOther,
}

var kindByExt = map[string]Kind{
	".pdf":  KindPDF,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".bmp":  KindImage,
	".tif":  KindImage,
	".tiff": KindImage,
	".doc":  KindDocument,
	".docx": KindDocument,
	".docm": KindDocument,
	".odt":  KindDocument,
	".rtf":  KindDocument,
	".wpd":  KindDocument,
	".ppt":  KindPresentation,
	".pptx": KindPresentation,
	".pps":  KindPresentation,
	".ppsx": KindPresentation,
	".odp":  KindPresentation,
	".xls":  KindSpreadsheet,
	".xlsx": KindSpreadsheet,
	".xlsm": KindSpreadsheet,
	".ods":  KindSpreadsheet,
	".txt":  KindText,
	".log":  KindText,
	".md":   KindText,
	".json": KindText,
	".xml":  KindText,
	".csv":  KindCSV,
	".tsv":  KindCSV,
	".htm":  KindHTML,
	".html": KindHTML,
	".ics":  KindCalendar,
	".vcs":  KindCalendar,
	".eml":  KindMessage,
	".msg":  KindMessage,
}

// KindOf classifies an attachment by extension, then by content type.
func KindOf(att *model.Attachment) Kind {
	if k, ok := kindByExt[att.Ext()]; ok {
		return k
	}

	ct := strings.ToLower(att.ContentType)
	switch {
	case ct == "application/pdf":
		return KindPDF
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case ct == "text/html":
		return KindHTML
	case ct == "text/csv":
		return KindCSV
	case ct == "text/calendar":
		return KindCalendar
	case strings.HasPrefix(ct, "text/"):
		return KindText
	case ct == "message/rfc822":
		return KindMessage
	}
	return KindOther
}
