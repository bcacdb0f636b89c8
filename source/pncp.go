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

// pncpAdapter speaks the national portal's publication search: numbered
// pages, compact dates, results under "data".
type pncpAdapter struct {
	cfg Config
}

const pncpPath = "/v1/contratacoes/publicacao"

type pncpPage struct {
	Data             []pncpItem `json:"data"`
	NumeroPagina     int        `json:"numeroPagina"`
	TotalPaginas     int        `json:"totalPaginas"`
	PaginasRestantes int        `json:"paginasRestantes"`
}

type pncpItem struct {
	NumeroControlePNCP string `json:"numeroControlePNCP"`
	OrgaoEntidade      struct {
		CNPJ        string `json:"cnpj"`
		RazaoSocial string `json:"razaoSocial"`
	} `json:"orgaoEntidade"`
	UnidadeOrgao struct {
		UFSigla       string `json:"ufSigla"`
		MunicipioNome string `json:"municipioNome"`
	} `json:"unidadeOrgao"`
	AnoCompra                int      `json:"anoCompra"`
	NumeroCompra             string   `json:"numeroCompra"`
	Processo                 string   `json:"processo"`
	ObjetoCompra             string   `json:"objetoCompra"`
	ValorTotalEstimado       *float64 `json:"valorTotalEstimado"`
	ModalidadeID             int      `json:"modalidadeId"`
	DataPublicacaoPNCP       string   `json:"dataPublicacaoPncp"`
	DataEncerramentoProposta string   `json:"dataEncerramentoProposta"`
	DataAtualizacao          string   `json:"dataAtualizacao"`
	LinkSistemaOrigem        string   `json:"linkSistemaOrigem"`
}

func (a *pncpAdapter) BuildRequest(p tender.Partition, w tender.Window, cursor string) (*connectivity.Request, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, &connectivity.ErrBadRequest{Source: string(a.cfg.ID), Cause: fmt.Errorf("invalid page cursor %q", cursor)}
		}
		page = n
	}
	q := url.Values{}
	q.Set("dataInicial", w.From.Format("20060102"))
	q.Set("dataFinal", w.To.Format("20060102"))
	q.Set("codigoModalidadeContratacao", strconv.Itoa(p.Modality))
	q.Set("uf", p.UF)
	q.Set("pagina", strconv.Itoa(page))
	q.Set("tamanhoPagina", strconv.Itoa(a.cfg.pageSize(50)))
	return &connectivity.Request{
		Source: string(a.cfg.ID),
		Method: "GET",
		URL:    strings.TrimRight(a.cfg.BaseURL, "/") + pncpPath + "?" + q.Encode(),
	}, nil
}

// decode treats an empty body as an empty page; the provider answers 204
// when a partition has no publications.
func (a *pncpAdapter) decode(body []byte) (*pncpPage, error) {
	var page pncpPage
	if len(bytes.TrimSpace(body)) == 0 {
		return &page, nil
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &connectivity.ErrMalformedResponse{Source: string(a.cfg.ID), Cause: err}
	}
	return &page, nil
}

func (a *pncpAdapter) ParseRecords(body []byte) ([]tender.RawRecord, error) {
	page, err := a.decode(body)
	if err != nil {
		return nil, err
	}
	out := make([]tender.RawRecord, 0, len(page.Data))
	for _, it := range page.Data {
		rec := tender.RawRecord{
			Source:        a.cfg.ID,
			ProviderID:    it.NumeroControlePNCP,
			AgencyID:      it.OrgaoEntidade.CNPJ,
			AgencyName:    it.OrgaoEntidade.RazaoSocial,
			ProcessNumber: it.NumeroCompra,
			Year:          it.AnoCompra,
			Description:   it.ObjetoCompra,
			UF:            it.UnidadeOrgao.UFSigla,
			Municipality:  it.UnidadeOrgao.MunicipioNome,
			Modality:      it.ModalidadeID,
			PublishedAt:   parseTime(it.DataPublicacaoPNCP),
			ClosingAt:     parseTime(it.DataEncerramentoProposta),
			UpdatedAt:     parseTime(it.DataAtualizacao),
			URL:           it.LinkSistemaOrigem,
		}
		if rec.ProcessNumber == "" {
			rec.ProcessNumber = it.Processo
		}
		if it.ValorTotalEstimado != nil {
			rec.EstimatedValue = *it.ValorTotalEstimado
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *pncpAdapter) ParseCursor(body []byte) (string, error) {
	page, err := a.decode(body)
	if err != nil {
		return "", err
	}
	if page.PaginasRestantes <= 0 || page.NumeroPagina <= 0 {
		return "", nil
	}
	return strconv.Itoa(page.NumeroPagina + 1), nil
}

func (a *pncpAdapter) CanaryRequest(now time.Time) *connectivity.Request {
	req, _ := a.BuildRequest(canaryPartition, canaryWindow(now), "")
	req.URL = withParam(req.URL, "tamanhoPagina", "1")
	return req
}
