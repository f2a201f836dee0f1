package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	"github.com/olivere/elastic"
)

const (
	envElasticDebug = "DEBUG_ELASTIC"
	indexEvent      = "event"
	typeFixed       = "_doc"
	mappingStrict   = "strict"
	propTypeKeyword = "keyword"
	propTypeLong    = "long"
	propTypeDate    = "date"
	maxResults      = 10000
)

type mapping struct {
	Settings struct {
		Shards          int    `json:"number_of_shards"`
		Replicas        int    `json:"number_of_replicas"`
		RefreshInterval string `json:"refresh_interval"`
	} `json:"settings"`
	Mappings struct {
		Doc struct {
			Dynamic string                 `json:"dynamic"`
			Prop    map[string]mappingProp `json:"properties"`
		} `json:"_doc"`
	} `json:"mappings"`
}

type mappingProp struct {
	Type string `json:"type,omitempty"`
}

type elasticStorage struct {
	client *elastic.Client
	ctx    context.Context
	// guards id allocation
	idLocker sync.Mutex
	lastID   int64
}

// StartElasticStorage starts an elastic storage client. It
//   - creates an elastic client
//   - waits for the server (few attempts)
func StartElasticStorage(url string) (Storage, error) {
	log.Println("storage: Elasticsearch URL:", url)
	ctx := context.Background()

	opts := []elastic.ClientOptionFunc{elastic.SetURL(url)}

	if os.Getenv(envElasticDebug) == "1" {
		opts = append(opts, elastic.SetTraceLog(log.New(os.Stdout, "[Elastic Debug] ", 0)))
	}

	client, err := elastic.NewSimpleClient(opts...)
	if err != nil {
		return nil, err
	}

	// Wait for Elasticsearch server
	const maxAttempts = 3
	for attempts := 1; ; attempts++ {
		info, code, err := client.Ping(url).Do(ctx)
		if err != nil {
			log.Printf("storage: Elasticsearch ping error (attempt %d/%d): %s", attempts, maxAttempts, err)
			if attempts < maxAttempts {
				time.Sleep(time.Duration(attempts*5) * time.Second)
				continue
			}
			return nil, fmt.Errorf("failed to reach Elasticsearch within %d attempts", maxAttempts)
		}
		log.Printf("storage: Elasticsearch returned with code %d and version %s", code, info.Version.Number)
		break
	}

	return &elasticStorage{
		ctx:    ctx,
		client: client,
	}, nil
}

func eventMapping() mapping {
	var m mapping
	m.Settings.Shards = 1
	m.Settings.Replicas = 0
	m.Settings.RefreshInterval = "1s"
	m.Mappings.Doc.Dynamic = mappingStrict
	m.Mappings.Doc.Prop = map[string]mappingProp{
		"Id":        {Type: propTypeLong},
		"Timestamp": {Type: propTypeDate},
		"Command":   {Type: propTypeKeyword},
	}
	return m
}

// Init creates the index if missing and loads the last allocated id
func (s *elasticStorage) Init() error {
	exists, err := s.client.IndexExists(indexEvent).Do(s.ctx)
	if err != nil {
		return fmt.Errorf("error checking index: %s", err)
	}
	if !exists {
		createIndex, err := s.client.CreateIndex(indexEvent).BodyJson(eventMapping()).Do(s.ctx)
		if err != nil {
			return fmt.Errorf("error creating index %s: %s", indexEvent, err)
		}
		if !createIndex.Acknowledged {
			log.Printf("storage: Did not acknowledge creation of index: %s", indexEvent)
		}
		log.Printf("storage: Created index: %s", indexEvent)
	}

	searchResult, err := s.client.Search().Index(indexEvent).Type(typeFixed).
		Sort("Id", false).Size(1).Do(s.ctx)
	if err != nil {
		return fmt.Errorf("error querying last id: %s", err)
	}
	events, err := decodeHits(searchResult)
	if err != nil {
		return err
	}

	s.idLocker.Lock()
	defer s.idLocker.Unlock()
	s.lastID = 0
	if len(events) > 0 {
		s.lastID = events[0].ID
	}
	return nil
}

func (s *elasticStorage) Append(command string) error {
	s.idLocker.Lock()
	defer s.idLocker.Unlock()

	e := model.Event{
		ID:        s.lastID + 1,
		Timestamp: model.Timestamp(),
		Command:   command,
	}
	res, err := s.client.Index().Index(indexEvent).Type(typeFixed).
		Id(strconv.FormatInt(e.ID, 10)).BodyJson(e).Refresh("true").Do(s.ctx)
	if err != nil {
		return fmt.Errorf("error indexing event: %s", err)
	}
	s.lastID = e.ID
	log.Printf("storage: Indexed %s/%s v%d", res.Index, res.Id, res.Version)
	return nil
}

func (s *elasticStorage) List() ([]model.Event, error) {
	searchResult, err := s.client.Search().Index(indexEvent).Type(typeFixed).
		Sort("Id", false).From(0).Size(maxResults).Do(s.ctx)
	if err != nil {
		return nil, err
	}
	return decodeHits(searchResult)
}

func decodeHits(searchResult *elastic.SearchResult) ([]model.Event, error) {
	events := []model.Event{}
	if searchResult.Hits == nil || searchResult.Hits.TotalHits == 0 {
		return events, nil
	}
	for _, hit := range searchResult.Hits.Hits {
		var e model.Event
		err := json.Unmarshal(*hit.Source, &e)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Update patches the command, returns false if the event is not found
func (s *elasticStorage) Update(id int64, command string) (found bool, err error) {
	res, err := s.client.Update().Index(indexEvent).Type(typeFixed).Id(strconv.FormatInt(id, 10)).
		Doc(map[string]string{"Command": command}).Refresh("true").Do(s.ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	log.Printf("storage: Patched %s/%s v%d", res.Index, res.Id, res.Version)
	return true, nil
}

func (s *elasticStorage) Remove(id int64) (found bool, err error) {
	_, err = s.client.Delete().Index(indexEvent).Type(typeFixed).Id(strconv.FormatInt(id, 10)).
		Refresh("true").Do(s.ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clear drops and recreates the index
func (s *elasticStorage) Clear() error {
	_, err := s.client.DeleteIndex(indexEvent).Do(s.ctx)
	if err != nil && !elastic.IsNotFound(err) {
		return fmt.Errorf("error deleting index: %s", err)
	}
	log.Printf("storage: Deleted index: %s", indexEvent)
	return s.Init()
}

func (s *elasticStorage) Close() error {
	s.client.Stop()
	return nil
}
