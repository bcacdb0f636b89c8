package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/tender"
)

// comprasGovAdapter speaks the federal purchasing API: offset pagination,
// HAL-style embedded results and a total count.
type comprasGovAdapter struct {
	cfg Config
}

const comprasGovPath = "/licitacoes/v1/licitacoes.json"

type comprasGovPage struct {
	Embedded struct {
		Licitacoes []comprasGovItem `json:"licitacoes"`
	} `json:"_embedded"`
	Count  int `json:"count"`
	Offset int `json:"offset"`
}

type comprasGovItem struct {
	Identificador        string  `json:"identificador"`
	OrgaoCNPJ            string  `json:"orgao_cnpj"`
	OrgaoNome            string  `json:"orgao_nome"`
	NumeroProcesso       string  `json:"numero_processo"`
	NumeroAviso          string  `json:"numero_aviso"`
	Ano                  int     `json:"ano"`
	Objeto               string  `json:"objeto"`
	ValorEstimado        float64 `json:"valor_estimado"`
	UF                   string  `json:"uf"`
	Municipio            string  `json:"municipio"`
	Modalidade           int     `json:"modalidade"`
	DataPublicacao       string  `json:"data_publicacao"`
	DataAberturaProposta string  `json:"data_abertura_proposta"`
	DataAlteracao        string  `json:"data_alteracao"`
	Link                 string  `json:"link"`
}

func (a *comprasGovAdapter) BuildRequest(p tender.Partition, w tender.Window, cursor string) (*connectivity.Request, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, &connectivity.ErrBadRequest{Source: string(a.cfg.ID), Cause: fmt.Errorf("invalid offset cursor %q", cursor)}
		}
		offset = n
	}
	q := url.Values{}
	q.Set("uf", p.UF)
	q.Set("modalidade", strconv.Itoa(p.Modality))
	q.Set("data_publicacao_min", w.From.Format(tender.DateLayout))
	q.Set("data_publicacao_max", w.To.Format(tender.DateLayout))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(a.cfg.pageSize(500)))
	return &connectivity.Request{
		Source: string(a.cfg.ID),
		Method: "GET",
		URL:    strings.TrimRight(a.cfg.BaseURL, "/") + comprasGovPath + "?" + q.Encode(),
	}, nil
}

func (a *comprasGovAdapter) decode(body []byte) (*comprasGovPage, error) {
	var page comprasGovPage
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &connectivity.ErrMalformedResponse{Source: string(a.cfg.ID), Cause: fmt.Errorf("empty body")}
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &connectivity.ErrMalformedResponse{Source: string(a.cfg.ID), Cause: err}
	}
	return &page, nil
}

func (a *comprasGovAdapter) ParseRecords(body []byte) ([]tender.RawRecord, error) {
	page, err := a.decode(body)
	if err != nil {
		return nil, err
	}
	out := make([]tender.RawRecord, 0, len(page.Embedded.Licitacoes))
	for _, it := range page.Embedded.Licitacoes {
		process := it.NumeroAviso
		if process == "" {
			process = it.NumeroProcesso
		}
		out = append(out, tender.RawRecord{
			Source:         a.cfg.ID,
			ProviderID:     it.Identificador,
			AgencyID:       it.OrgaoCNPJ,
			AgencyName:     it.OrgaoNome,
			ProcessNumber:  process,
			Year:           it.Ano,
			Description:    it.Objeto,
			EstimatedValue: it.ValorEstimado,
			UF:             it.UF,
			Municipality:   it.Municipio,
			Modality:       it.Modalidade,
			PublishedAt:    parseTime(it.DataPublicacao),
			ClosingAt:      parseTime(it.DataAberturaProposta),
			UpdatedAt:      parseTime(it.DataAlteracao),
			URL:            it.Link,
		})
	}
	return out, nil
}

func (a *comprasGovAdapter) ParseCursor(body []byte) (string, error) {
	page, err := a.decode(body)
	if err != nil {
		return "", err
	}
	n := len(page.Embedded.Licitacoes)
	next := page.Offset + n
	if n == 0 || next >= page.Count {
		return "", nil
	}
	return strconv.Itoa(next), nil
}

func (a *comprasGovAdapter) CanaryRequest(now time.Time) *connectivity.Request {
	req, _ := a.BuildRequest(canaryPartition, canaryWindow(now), "")
	req.URL = withParam(req.URL, "limit", "1")
	return req
}
